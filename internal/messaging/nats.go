package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectVerifyPrefix prefixes the per-node verification request subject.
	SubjectVerifyPrefix = "nodegate.agent.verify."
	// SubjectNodesCommitted carries a CommitEvent after every inventory commit.
	SubjectNodesCommitted = "nodegate.inventory.committed"
	// SubjectSyncAvailable carries a SyncNotice when a managed cluster has new nodes.
	SubjectSyncAvailable = "nodegate.sync.available"
)

// SubjectVerifyNode returns the subject the agent on nodeName listens on.
func SubjectVerifyNode(nodeName string) string {
	r := strings.NewReplacer(" ", "", ".", "_", "*", "_", ">", "_")
	return SubjectVerifyPrefix + r.Replace(nodeName)
}

// VerifyRequest asks an agent to check its node's environment.
type VerifyRequest struct {
	NodeName         string `json:"node_name"`
	Address          string `json:"address"`
	AcceleratorModel string `json:"accelerator_model,omitempty"`
	AcceleratorCount int    `json:"accelerator_count"`
	CPUCores         int    `json:"cpu_cores"`
}

// VerifyReply is the agent's answer to a VerifyRequest.
type VerifyReply struct {
	NodeName    string            `json:"node_name"`
	Pass        bool              `json:"pass"`
	Message     string            `json:"message"`
	Environment *node.Environment `json:"environment,omitempty"`
}

// CommitEvent is published after nodes are committed to the inventory.
type CommitEvent struct {
	Cluster   string    `json:"cluster"`
	ClusterID uint      `json:"cluster_id"`
	Nodes     []string  `json:"nodes"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncNotice tells operators that a managed cluster has nodes not yet in the inventory.
type SyncNotice struct {
	Cluster   string    `json:"cluster"`
	NewNodes  []string  `json:"new_nodes"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string, log logr.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error(err, "disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("connected to NATS server", "url", natsURL)
	return nc, nil
}

// Publisher publishes JSON events.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps a connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish marshals v as JSON and publishes it on subject.
func (p *Publisher) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", subject, err)
	}
	return nil
}

// AgentVerifier checks nodes by asking the agent running on each of them.
type AgentVerifier struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewAgentVerifier creates a verifier. timeout applies when the caller's
// context has no deadline.
func NewAgentVerifier(nc *nats.Conn, timeout time.Duration) *AgentVerifier {
	return &AgentVerifier{nc: nc, timeout: timeout}
}

// VerifyNodeEnvironment sends a request to the node's agent and waits for its reply.
func (v *AgentVerifier) VerifyNodeEnvironment(ctx context.Context, n node.CandidateNode) (node.VerificationResult, error) {
	if _, ok := ctx.Deadline(); !ok && v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	req, err := json.Marshal(VerifyRequest{
		NodeName:         n.Name,
		Address:          n.Address,
		AcceleratorModel: n.AcceleratorModel,
		AcceleratorCount: n.AcceleratorCount,
		CPUCores:         n.CPUCores,
	})
	if err != nil {
		return node.VerificationResult{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	msg, err := v.nc.RequestWithContext(ctx, SubjectVerifyNode(n.Name), req)
	if err != nil {
		return node.VerificationResult{}, fmt.Errorf("agent on %s did not answer: %w", n.Name, err)
	}

	var reply VerifyReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return node.VerificationResult{}, fmt.Errorf("failed to unmarshal verify reply from %s: %w", n.Name, err)
	}
	return node.VerificationResult{
		Pass:        reply.Pass,
		Message:     reply.Message,
		Environment: reply.Environment,
	}, nil
}

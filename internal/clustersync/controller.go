// Package clustersync finds nodes that joined an already onboarded cluster,
// verifies them and commits the ones the operator confirms.
package clustersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/metrics"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/verify"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

var (
	ErrBatchNotFound = errors.New("sync batch not found")
	ErrNothingToSync = errors.New("no selected node passed verification")
	// ErrConfirmInFlight is returned while the batch is being committed.
	ErrConfirmInFlight = errors.New("sync batch is being confirmed")
)

// NodeNamer reports which node names are already inventoried for a cluster.
type NodeNamer interface {
	NodeNames(ctx context.Context, clusterName string) (map[string]struct{}, error)
}

// Inventory is the part of the node inventory sync needs.
type Inventory interface {
	NodeNamer
	Cluster(ctx context.Context, name string) (node.ClusterMetadata, error)
	CommitNodes(ctx context.Context, meta node.ClusterMetadata, nodes []node.CandidateNode) (node.Ack, error)
}

// NodeDiscoverer enumerates the nodes of a cluster.
type NodeDiscoverer interface {
	DiscoverNodes(ctx context.Context, meta node.ClusterMetadata) ([]node.CandidateNode, error)
}

// Batch is the short-lived set of newly joined nodes found by one sync run.
// It owns its registry.
type Batch struct {
	ID        string
	Cluster   node.ClusterMetadata
	Registry  *node.Registry
	CreatedAt time.Time

	// confirming is guarded by Controller.mu.
	confirming bool
}

// BatchView is the serializable state of a batch.
type BatchView struct {
	ID        string               `json:"id"`
	Cluster   string               `json:"cluster"`
	Nodes     []node.CandidateNode `json:"nodes"`
	CreatedAt time.Time            `json:"created_at"`
}

// View returns the batch's current state.
func (b *Batch) View() BatchView {
	return BatchView{ID: b.ID, Cluster: b.Cluster.Name, Nodes: b.Registry.List(), CreatedAt: b.CreatedAt}
}

// Controller runs sync batches. Batches for different clusters are independent.
type Controller struct {
	inventory    Inventory
	discoverer   NodeDiscoverer
	orchestrator *verify.Orchestrator
	metrics      *metrics.Recorder
	log          logr.Logger

	mu      sync.Mutex
	batches map[string]*Batch
}

// NewController creates a sync Controller.
func NewController(inv Inventory, disc NodeDiscoverer, orch *verify.Orchestrator, m *metrics.Recorder, log logr.Logger) *Controller {
	return &Controller{
		inventory:    inv,
		discoverer:   disc,
		orchestrator: orch,
		metrics:      m,
		log:          log.WithName("sync"),
		batches:      make(map[string]*Batch),
	}
}

// NewNodes discovers the cluster's nodes and returns those not yet in the
// inventory, in discovery order.
func NewNodes(ctx context.Context, inv NodeNamer, disc NodeDiscoverer, meta node.ClusterMetadata) ([]node.CandidateNode, error) {
	discovered, err := disc.DiscoverNodes(ctx, meta)
	if err != nil {
		return nil, err
	}
	known, err := inv.NodeNames(ctx, meta.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventoried nodes of %s: %w", meta.Name, err)
	}
	fresh := make([]node.CandidateNode, 0, len(discovered))
	for _, n := range discovered {
		if _, ok := known[n.Name]; !ok {
			fresh = append(fresh, n)
		}
	}
	return fresh, nil
}

// Start discovers newly joined nodes of an inventoried cluster and opens a
// batch for them. An empty batch is still returned so the caller can see
// there is nothing to do.
func (c *Controller) Start(ctx context.Context, clusterName string) (*Batch, error) {
	meta, err := c.inventory.Cluster(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	fresh, err := NewNodes(ctx, c.inventory, c.discoverer, meta)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		ID:        uuid.NewString(),
		Cluster:   meta,
		Registry:  node.NewRegistry(fresh),
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.batches[b.ID] = b
	c.mu.Unlock()
	c.metrics.BatchOpened()
	c.log.Info("sync batch opened", "batch", b.ID, "cluster", clusterName, "newNodes", b.Registry.Len())
	return b, nil
}

// Get returns an open batch.
func (c *Controller) Get(id string) (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, nil
}

// List returns views of all open batches.
func (c *Controller) List() []BatchView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BatchView, 0, len(c.batches))
	for _, b := range c.batches {
		out = append(out, b.View())
	}
	return out
}

// SetSelected changes a node's selection within a batch.
func (c *Controller) SetSelected(id, name string, selected bool) (node.CandidateNode, error) {
	b, err := c.Get(id)
	if err != nil {
		return node.CandidateNode{}, err
	}
	return b.Registry.SetSelected(name, selected)
}

// VerifyNode checks one node of a batch.
func (c *Controller) VerifyNode(ctx context.Context, id, name string) (node.CandidateNode, error) {
	b, err := c.Get(id)
	if err != nil {
		return node.CandidateNode{}, err
	}
	return c.orchestrator.VerifyNode(ctx, b.Registry, name)
}

// VerifyAll checks every selected node of a batch, one at a time.
func (c *Controller) VerifyAll(ctx context.Context, id string) (verify.BatchReport, error) {
	run, err := c.StartVerifyAll(id)
	if err != nil {
		return verify.BatchReport{}, err
	}
	return run(ctx)
}

// StartVerifyAll claims the batch's registry for a batch verification and
// returns the run. It fails with node.ErrBatchInFlight if one is running.
func (c *Controller) StartVerifyAll(id string) (verify.BatchRun, error) {
	b, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	return c.orchestrator.StartBatch(b.Registry)
}

// Confirm commits the batch's selected, verified nodes and discards the
// batch. A failed commit keeps the batch so it can be confirmed again.
// Only one Confirm of a batch runs at a time.
func (c *Controller) Confirm(ctx context.Context, id string) (node.Ack, error) {
	b, err := c.claim(id)
	if err != nil {
		return node.Ack{}, err
	}
	nodes := b.Registry.Committable()
	if len(nodes) == 0 {
		c.unclaim(b)
		return node.Ack{}, ErrNothingToSync
	}
	ack, err := c.inventory.CommitNodes(ctx, b.Cluster, nodes)
	if err != nil {
		c.unclaim(b)
		c.log.Error(err, "sync commit failed", "batch", id, "cluster", b.Cluster.Name)
		return node.Ack{}, fmt.Errorf("commit failed: %w", err)
	}
	c.discard(id)
	c.log.Info("sync batch committed", "batch", id, "cluster", b.Cluster.Name, "committed", ack.Committed)
	return ack, nil
}

func (c *Controller) claim(id string) (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if b.confirming {
		return nil, fmt.Errorf("%w: %s", ErrConfirmInFlight, id)
	}
	b.confirming = true
	return b, nil
}

func (c *Controller) unclaim(b *Batch) {
	c.mu.Lock()
	b.confirming = false
	c.mu.Unlock()
}

// Cancel discards a batch without committing anything. A batch being
// confirmed cannot be cancelled.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	b, ok := c.batches[id]
	switch {
	case !ok:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	case b.confirming:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConfirmInFlight, id)
	}
	c.mu.Unlock()
	c.discard(id)
	c.log.Info("sync batch cancelled", "batch", id)
	return nil
}

func (c *Controller) discard(id string) {
	c.mu.Lock()
	b, ok := c.batches[id]
	delete(c.batches, id)
	c.mu.Unlock()
	if ok {
		b.Registry.Close()
		c.metrics.BatchClosed()
	}
}

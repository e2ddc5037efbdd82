package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

// EnvironmentChecker produces a verification reply for a request.
type EnvironmentChecker interface {
	Check(ctx context.Context, req messaging.VerifyRequest) messaging.VerifyReply
}

// Serve answers verification requests addressed to nodeName until ctx is
// cancelled. checkTimeout bounds a single check; zero means no bound.
func Serve(ctx context.Context, nc *nats.Conn, nodeName string, checker EnvironmentChecker, checkTimeout time.Duration, log logr.Logger) error {
	log = log.WithName("responder")
	subject := messaging.SubjectVerifyNode(nodeName)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := handle(ctx, msg.Data, nodeName, checker, checkTimeout)
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error(err, "failed to marshal verify reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Error(err, "failed to send verify reply")
			return
		}
		log.Info("verification answered", "node", nodeName, "pass", reply.Pass, "message", reply.Message)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}
	log.Info("listening for verification requests", "subject", subject)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

func handle(ctx context.Context, data []byte, nodeName string, checker EnvironmentChecker, timeout time.Duration) messaging.VerifyReply {
	var req messaging.VerifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return messaging.VerifyReply{NodeName: nodeName, Message: fmt.Sprintf("malformed verify request: %v", err)}
	}
	if req.NodeName != "" && req.NodeName != nodeName {
		return messaging.VerifyReply{NodeName: nodeName, Message: fmt.Sprintf("request for %s reached agent on %s", req.NodeName, nodeName)}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply := checker.Check(ctx, req)
	reply.NodeName = nodeName
	return reply
}

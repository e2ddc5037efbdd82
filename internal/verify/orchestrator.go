// Package verify runs node environment checks against a node registry.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/metrics"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr"
)

// Verifier performs one environment check against one candidate node.
// Implementations must only inspect the node; a returned error means the
// check could not be carried out at all.
type Verifier interface {
	VerifyNodeEnvironment(ctx context.Context, n node.CandidateNode) (node.VerificationResult, error)
}

// BatchReport summarizes a batch run.
type BatchReport struct {
	Attempted int      `json:"attempted"`
	Passed    int      `json:"passed"`
	Failed    int      `json:"failed"`
	Nodes     []string `json:"nodes"`
}

// Orchestrator applies verification transitions to a registry.
type Orchestrator struct {
	verifier Verifier
	timeout  time.Duration
	metrics  *metrics.Recorder
	log      logr.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds each individual check. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMetrics records check outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator creates an Orchestrator around verifier.
func NewOrchestrator(verifier Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{verifier: verifier, log: logr.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithName("verify")
	return o
}

// VerifyNode checks a single selected node that has no check in flight.
// Checks of different nodes may run concurrently.
func (o *Orchestrator) VerifyNode(ctx context.Context, reg *node.Registry, name string) (node.CandidateNode, error) {
	return o.verify(ctx, reg, name, true)
}

// VerifyBatch snapshots the selected nodes and checks them one at a time in
// discovery order, so the verifier never sees more than one outstanding
// check from a batch. Nodes deselected after the snapshot are still checked.
// A second batch on the same registry is rejected with node.ErrBatchInFlight.
func (o *Orchestrator) VerifyBatch(ctx context.Context, reg *node.Registry) (BatchReport, error) {
	run, err := o.StartBatch(reg)
	if err != nil {
		return BatchReport{}, err
	}
	return run(ctx)
}

// BatchRun executes a claimed batch. It must be called exactly once.
type BatchRun func(ctx context.Context) (BatchReport, error)

// StartBatch claims the registry for a batch and returns the run that
// performs it, so callers can reject a duplicate batch before going
// asynchronous.
func (o *Orchestrator) StartBatch(reg *node.Registry) (BatchRun, error) {
	release, err := reg.ClaimBatch()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (BatchReport, error) {
		defer release()
		return o.runBatch(ctx, reg)
	}, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, reg *node.Registry) (BatchReport, error) {
	snapshot := node.Names(reg.Filter(node.Selected))
	report := BatchReport{Nodes: snapshot}
	o.log.Info("starting batch verification", "nodes", len(snapshot))

	for _, name := range snapshot {
		n, err := o.verifyWhenIdle(ctx, reg, name)
		if err != nil {
			return report, fmt.Errorf("batch verification stopped at %s: %w", name, err)
		}
		report.Attempted++
		if n.Verification == node.VerificationSuccess {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	o.log.Info("batch verification finished", "attempted", report.Attempted, "passed", report.Passed, "failed", report.Failed)
	return report, nil
}

// verifyWhenIdle waits out a single-node check already running on name
// before starting the batch's own check.
func (o *Orchestrator) verifyWhenIdle(ctx context.Context, reg *node.Registry, name string) (node.CandidateNode, error) {
	for {
		n, err := o.verify(ctx, reg, name, false)
		if !errors.Is(err, node.ErrVerificationInFlight) {
			return n, err
		}
		o.log.V(1).Info("waiting for in-flight check", "node", name)
		select {
		case <-reg.Settled(name):
		case <-ctx.Done():
			return node.CandidateNode{}, ctx.Err()
		}
	}
}

func (o *Orchestrator) verify(ctx context.Context, reg *node.Registry, name string, requireSelected bool) (node.CandidateNode, error) {
	if err := ctx.Err(); err != nil {
		return node.CandidateNode{}, err
	}
	n, err := reg.BeginVerification(name, requireSelected)
	if err != nil {
		return node.CandidateNode{}, err
	}

	checkCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	o.log.V(1).Info("verifying node", "node", name, "address", n.Address)
	res, err := o.verifier.VerifyNodeEnvironment(checkCtx, n)
	if err != nil {
		res = node.VerificationResult{Pass: false, Message: fmt.Sprintf("verification could not run: %v", err)}
		o.metrics.Verification(metrics.ResultError)
	} else if res.Pass {
		o.metrics.Verification(metrics.ResultSuccess)
	} else {
		o.metrics.Verification(metrics.ResultFailed)
	}

	updated, err := reg.FinishVerification(name, res)
	if err != nil {
		if errors.Is(err, node.ErrRegistryClosed) {
			o.log.Info("dropping verification result for discarded registry", "node", name, "pass", res.Pass)
		}
		return node.CandidateNode{}, err
	}
	o.log.Info("node verified", "node", name, "result", updated.Verification, "message", updated.Message)
	return updated, nil
}

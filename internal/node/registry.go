package node

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeNotFound         = errors.New("node not found")
	ErrNotSelected          = errors.New("node is not selected")
	ErrVerificationInFlight = errors.New("verification already in flight")
	ErrNotVerifying         = errors.New("node is not verifying")
	ErrRegistryClosed       = errors.New("registry closed")
	ErrBatchInFlight        = errors.New("batch verification already running")
)

// Registry is the working set of discovered nodes for one session or sync batch.
// Records are addressed by name and replaced whole on every transition, so
// callers only ever see copies.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	nodes    map[string]CandidateNode
	inflight map[string]chan struct{}
	batch    bool
	closed   bool
}

// NewRegistry loads discovered nodes. Each node starts selected and pending;
// a repeated name keeps its first occurrence.
func NewRegistry(discovered []CandidateNode) *Registry {
	r := &Registry{
		nodes:    make(map[string]CandidateNode, len(discovered)),
		inflight: make(map[string]chan struct{}),
	}
	for _, n := range discovered {
		if _, dup := r.nodes[n.Name]; dup {
			continue
		}
		n.Selected = true
		n.Verification = VerificationPending
		n.Message = ""
		n.Environment = nil
		n.Runtime = nil
		r.order = append(r.order, n.Name)
		r.nodes[n.Name] = n
	}
	return r
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns a copy of the named node.
func (r *Registry) Get(name string) (CandidateNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// List returns all nodes in discovery order.
func (r *Registry) List() []CandidateNode {
	return r.Filter(func(CandidateNode) bool { return true })
}

// Filter returns the nodes matching pred, in discovery order.
func (r *Registry) Filter(pred func(CandidateNode) bool) []CandidateNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CandidateNode, 0, len(r.order))
	for _, name := range r.order {
		if n := r.nodes[name]; pred(n) {
			out = append(out, n)
		}
	}
	return out
}

// Selected matches nodes the operator kept selected.
func Selected(n CandidateNode) bool { return n.Selected }

// InState matches nodes in the given verification state.
func InState(v Verification) func(CandidateNode) bool {
	return func(n CandidateNode) bool { return n.Verification == v }
}

// Committable returns the selected nodes that verified successfully.
func (r *Registry) Committable() []CandidateNode {
	return r.Filter(func(n CandidateNode) bool {
		return n.Selected && n.Verification == VerificationSuccess
	})
}

// SetSelected changes operator selection. It is allowed in any verification state.
func (r *Registry) SetSelected(name string, selected bool) (CandidateNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return CandidateNode{}, ErrRegistryClosed
	}
	n, ok := r.nodes[name]
	if !ok {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	n.Selected = selected
	r.nodes[name] = n
	return n, nil
}

// BeginVerification moves a node to verifying. Only the verification
// orchestrator should call it. requireSelected enforces the single-node
// precondition; batch runs pass false because they sample selection once.
func (r *Registry) BeginVerification(name string, requireSelected bool) (CandidateNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return CandidateNode{}, ErrRegistryClosed
	}
	n, ok := r.nodes[name]
	if !ok {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if requireSelected && !n.Selected {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrNotSelected, name)
	}
	if n.Verification == VerificationVerifying {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrVerificationInFlight, name)
	}
	n.Verification = VerificationVerifying
	r.nodes[name] = n
	r.inflight[name] = make(chan struct{})
	return n, nil
}

// FinishVerification records the outcome of an in-flight check, replacing
// the previous diagnostic and environment report.
func (r *Registry) FinishVerification(name string, res VerificationResult) (CandidateNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done, ok := r.inflight[name]; ok {
		close(done)
		delete(r.inflight, name)
	}
	if r.closed {
		return CandidateNode{}, ErrRegistryClosed
	}
	n, ok := r.nodes[name]
	if !ok {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if n.Verification != VerificationVerifying {
		return CandidateNode{}, fmt.Errorf("%w: %s", ErrNotVerifying, name)
	}
	n.Verification = VerificationFailed
	if res.Pass {
		n.Verification = VerificationSuccess
	}
	n.Message = res.Message
	n.Environment = res.Environment
	r.nodes[name] = n
	return n, nil
}

// ClaimBatch marks a batch verification as running. At most one batch runs
// on a registry at a time; release must be called when the batch ends.
func (r *Registry) ClaimBatch() (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.batch {
		return nil, ErrBatchInFlight
	}
	r.batch = true
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.batch = false
			r.mu.Unlock()
		})
	}, nil
}

// Settled returns a channel that is closed once the node has no check in flight.
func (r *Registry) Settled(name string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if done, ok := r.inflight[name]; ok {
		return done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Close discards the registry. Results of checks still in flight are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Package onboarding drives the five-stage workflow that imports an external
// cluster and commits its verified nodes to the inventory.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/verify"
	"github.com/go-logr/logr"
)

// Stage is a step of the onboarding workflow.
type Stage int

const (
	StageCredential Stage = iota + 1
	StageConnectivity
	StageDiscovery
	StageVerification
	StageCommit
)

func (s Stage) String() string {
	switch s {
	case StageCredential:
		return "credential"
	case StageConnectivity:
		return "connectivity"
	case StageDiscovery:
		return "discovery"
	case StageVerification:
		return "verification"
	case StageCommit:
		return "commit"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

var (
	// ErrWrongStage is returned when an operation is not allowed in the current stage.
	ErrWrongStage = errors.New("operation not allowed in current stage")
	// ErrGuard is returned when the current stage's guard does not hold.
	ErrGuard = errors.New("stage guard not satisfied")
	// ErrEmptyCredential is returned when an empty credential is supplied.
	ErrEmptyCredential = errors.New("credential is empty")
	// ErrCommitInFlight is returned while another caller's commit is running.
	ErrCommitInFlight = errors.New("commit already in progress")
)

// ConnectivityValidator checks a credential and returns the cluster's metadata.
type ConnectivityValidator interface {
	ValidateConnectivity(ctx context.Context, cred node.Credential) (node.ClusterMetadata, error)
}

// NodeDiscoverer enumerates the candidate nodes of a cluster.
type NodeDiscoverer interface {
	DiscoverNodes(ctx context.Context, meta node.ClusterMetadata) ([]node.CandidateNode, error)
}

// Inventory receives the committed node set.
type Inventory interface {
	CommitNodes(ctx context.Context, meta node.ClusterMetadata, nodes []node.CandidateNode) (node.Ack, error)
}

// Deps are the collaborators a session calls out to.
type Deps struct {
	Validator    ConnectivityValidator
	Discoverer   NodeDiscoverer
	Orchestrator *verify.Orchestrator
	Inventory    Inventory
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	ID         string                `json:"id"`
	Stage      Stage                 `json:"stage"`
	StageName  string                `json:"stage_name"`
	HasCred    bool                  `json:"has_credential"`
	Cluster    *node.ClusterMetadata `json:"cluster,omitempty"`
	Nodes      []node.CandidateNode  `json:"nodes"`
	GuardMet   bool                  `json:"guard_met"`
	LastError  string                `json:"last_error,omitempty"`
	LastCommit *node.Ack             `json:"last_commit,omitempty"`
}

// Session is one operator's onboarding of one cluster. External calls never
// run under the session lock; a session cancelled mid-call discards the
// call's result.
type Session struct {
	id   string
	deps Deps
	log  logr.Logger

	mu         sync.Mutex
	stage      Stage
	credential node.Credential
	meta       *node.ClusterMetadata
	registry   *node.Registry
	lastErr    error
	lastCommit *node.Ack
	committing bool
	// epoch changes whenever the working state is replaced, so results of
	// calls started earlier are recognised and dropped.
	epoch uint64
}

// NewSession creates a session in stage 1.
func NewSession(id string, deps Deps, log logr.Logger) *Session {
	return &Session{
		id:       id,
		deps:     deps,
		log:      log.WithName("session").WithValues("session", id),
		stage:    StageCredential,
		registry: node.NewRegistry(nil),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:         s.id,
		Stage:      s.stage,
		StageName:  s.stage.String(),
		HasCred:    !s.credential.Empty(),
		Nodes:      s.registry.List(),
		GuardMet:   s.guardLocked() == nil,
		LastCommit: s.lastCommit,
	}
	if s.meta != nil {
		m := *s.meta
		snap.Cluster = &m
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Guard reports whether the current stage may be left forward. A nil error
// means the guard holds.
func (s *Session) Guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guardLocked()
}

func (s *Session) guardLocked() error {
	switch s.stage {
	case StageCredential:
		if s.credential.Empty() {
			return fmt.Errorf("%w: a credential is required", ErrGuard)
		}
	case StageConnectivity:
		if s.meta == nil {
			return fmt.Errorf("%w: connectivity has not been verified", ErrGuard)
		}
	case StageDiscovery:
		if s.registry.Len() == 0 {
			return fmt.Errorf("%w: no candidate nodes discovered", ErrGuard)
		}
	case StageVerification:
		if len(s.registry.Committable()) == 0 {
			return fmt.Errorf("%w: at least one selected node must pass verification", ErrGuard)
		}
	case StageCommit:
		return fmt.Errorf("%w: commit is the final stage", ErrGuard)
	}
	return nil
}

func (s *Session) requireStage(want Stage) error {
	if s.stage != want {
		return fmt.Errorf("%w: in %s, need %s", ErrWrongStage, s.stage, want)
	}
	return nil
}

// SetCredential stores the operator's credential. Allowed in stage 1 only.
// A different credential invalidates the cluster metadata and discovered
// nodes of the previous one, so connectivity must be checked again.
func (s *Session) SetCredential(cred node.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireStage(StageCredential); err != nil {
		return err
	}
	if cred.Empty() {
		return ErrEmptyCredential
	}
	if cred != s.credential {
		s.meta = nil
		s.registry.Close()
		s.registry = node.NewRegistry(nil)
		s.epoch++
	}
	s.credential = cred
	s.lastErr = nil
	return nil
}

// CheckConnectivity runs the connectivity validator. On failure the session
// stays in stage 2 and the check may be retried any number of times.
func (s *Session) CheckConnectivity(ctx context.Context) (node.ClusterMetadata, error) {
	s.mu.Lock()
	if err := s.requireStage(StageConnectivity); err != nil {
		s.mu.Unlock()
		return node.ClusterMetadata{}, err
	}
	s.meta = nil
	cred, epoch := s.credential, s.epoch
	s.mu.Unlock()

	meta, err := s.deps.Validator.ValidateConnectivity(ctx, cred)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.stage != StageConnectivity {
		return node.ClusterMetadata{}, fmt.Errorf("%w: session changed during connectivity check", ErrWrongStage)
	}
	if err != nil {
		s.lastErr = fmt.Errorf("connectivity check failed: %w", err)
		s.log.Info("connectivity check failed", "error", err.Error())
		return node.ClusterMetadata{}, s.lastErr
	}
	s.meta = &meta
	s.lastErr = nil
	s.log.Info("cluster reachable", "cluster", meta.Name, "version", meta.ControlPlaneVersion)
	return meta, nil
}

// Advance moves to the next stage if the current stage's guard holds.
// Entering stage 3 discovers nodes; entering stage 5 commits.
func (s *Session) Advance(ctx context.Context) (Stage, error) {
	s.mu.Lock()
	if err := s.guardLocked(); err != nil {
		stage := s.stage
		s.mu.Unlock()
		return stage, err
	}
	from := s.stage
	s.stage++
	s.lastErr = nil
	s.log.Info("advanced", "from", from.String(), "to", s.stage.String())

	switch s.stage {
	case StageDiscovery:
		s.epoch++
		meta, epoch := *s.meta, s.epoch
		s.registry.Close()
		s.registry = node.NewRegistry(nil)
		s.mu.Unlock()
		s.discover(ctx, meta, epoch)
		return s.Stage(), nil
	case StageCommit:
		s.mu.Unlock()
		if _, err := s.Commit(ctx); err != nil {
			return StageCommit, err
		}
		return s.Stage(), nil
	}
	stage := s.stage
	s.mu.Unlock()
	return stage, nil
}

// discover populates a fresh registry. A discovery error is recorded and
// treated as zero nodes found.
func (s *Session) discover(ctx context.Context, meta node.ClusterMetadata, epoch uint64) {
	nodes, err := s.deps.Discoverer.DiscoverNodes(ctx, meta)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.stage != StageDiscovery {
		s.log.Info("dropping discovery result for a session that moved on")
		return
	}
	if err != nil {
		s.lastErr = fmt.Errorf("node discovery failed: %w", err)
		s.log.Info("node discovery failed", "error", err.Error())
		return
	}
	s.registry = node.NewRegistry(nodes)
	s.log.Info("nodes discovered", "count", s.registry.Len())
}

// Back returns to the previous stage without clearing downstream state.
func (s *Session) Back() (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageCredential {
		return s.stage, fmt.Errorf("%w: already at the first stage", ErrWrongStage)
	}
	if s.committing {
		return s.stage, ErrCommitInFlight
	}
	s.stage--
	s.lastErr = nil
	return s.stage, nil
}

// Cancel discards the whole session. Checks still in flight complete but
// their results are dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.log.Info("session cancelled")
}

func (s *Session) resetLocked() {
	s.registry.Close()
	s.registry = node.NewRegistry(nil)
	s.stage = StageCredential
	s.credential = ""
	s.meta = nil
	s.lastErr = nil
	s.committing = false
	s.epoch++
}

// SetSelected changes a node's selection. Allowed in stage 4.
func (s *Session) SetSelected(name string, selected bool) (node.CandidateNode, error) {
	reg, err := s.verificationRegistry()
	if err != nil {
		return node.CandidateNode{}, err
	}
	return reg.SetSelected(name, selected)
}

// VerifyNode checks one selected node. Allowed in stage 4; checks of
// different nodes may overlap.
func (s *Session) VerifyNode(ctx context.Context, name string) (node.CandidateNode, error) {
	reg, err := s.verificationRegistry()
	if err != nil {
		return node.CandidateNode{}, err
	}
	return s.deps.Orchestrator.VerifyNode(ctx, reg, name)
}

// VerifyAll checks every selected node, one at a time. Allowed in stage 4.
func (s *Session) VerifyAll(ctx context.Context) (verify.BatchReport, error) {
	run, err := s.StartVerifyAll()
	if err != nil {
		return verify.BatchReport{}, err
	}
	return run(ctx)
}

// StartVerifyAll claims the session's nodes for a batch verification and
// returns the run. Only one batch runs per session at a time.
func (s *Session) StartVerifyAll() (verify.BatchRun, error) {
	reg, err := s.verificationRegistry()
	if err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.StartBatch(reg)
}

func (s *Session) verificationRegistry() (*node.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireStage(StageVerification); err != nil {
		return nil, err
	}
	return s.registry, nil
}

// Commit sends the selected, verified nodes to the inventory. On success the
// session resets to stage 1; on failure it stays in stage 5 so the commit
// can be retried without discovering or verifying again. Only one commit
// runs at a time; a concurrent caller gets ErrCommitInFlight.
func (s *Session) Commit(ctx context.Context) (node.Ack, error) {
	s.mu.Lock()
	if err := s.requireStage(StageCommit); err != nil {
		s.mu.Unlock()
		return node.Ack{}, err
	}
	if s.committing {
		s.mu.Unlock()
		return node.Ack{}, ErrCommitInFlight
	}
	meta, epoch := *s.meta, s.epoch
	nodes := s.registry.Committable()
	if len(nodes) == 0 {
		s.mu.Unlock()
		return node.Ack{}, fmt.Errorf("%w: no selected node passed verification", ErrGuard)
	}
	s.committing = true
	s.mu.Unlock()

	ack, err := s.deps.Inventory.CommitNodes(ctx, meta, nodes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		if err == nil {
			s.log.Info("commit finished after the session was cancelled", "cluster", meta.Name, "committed", ack.Committed)
		}
		return ack, err
	}
	s.committing = false
	if err != nil {
		s.lastErr = fmt.Errorf("commit failed: %w", err)
		s.log.Error(err, "commit failed", "cluster", meta.Name)
		return node.Ack{}, s.lastErr
	}
	s.log.Info("onboarding complete", "cluster", meta.Name, "committed", ack.Committed)
	s.resetLocked()
	s.lastCommit = &ack
	return ack, nil
}

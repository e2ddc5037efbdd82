package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/verify"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeValidator) ValidateConnectivity(_ context.Context, cred node.Credential) (node.ClusterMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return node.ClusterMetadata{}, errors.New("dial tcp 10.0.0.10:6443: i/o timeout")
	}
	return node.ClusterMetadata{
		Name:                "prod-gpu",
		ControlPlaneVersion: "v1.30.2",
		APIEndpoint:         "https://10.0.0.10:6443",
		Provider:            "aws",
		ReportedNodeCount:   f.calls,
		Credential:          cred,
	}, nil
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	nodes []node.CandidateNode
	err   error
	calls int
	seen  []node.Credential
}

func (f *fakeDiscoverer) DiscoverNodes(_ context.Context, meta node.ClusterMetadata) ([]node.CandidateNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, meta.Credential)
	return append([]node.CandidateNode(nil), f.nodes...), f.err
}

type fakeInventory struct {
	mu        sync.Mutex
	failNext  int
	committed [][]node.CandidateNode
	meta      []node.ClusterMetadata
	// entered and gate, when set, hold every commit until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeInventory) CommitNodes(_ context.Context, meta node.ClusterMetadata, nodes []node.CandidateNode) (node.Ack, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return node.Ack{}, errors.New("database is locked")
	}
	f.committed = append(f.committed, nodes)
	f.meta = append(f.meta, meta)
	return node.Ack{ClusterID: 1, Committed: len(nodes)}, nil
}

type fakeVerifier struct {
	mu      sync.Mutex
	fail    map[string]bool
	calls   []string
	gate    chan struct{}
	started chan string
}

func (f *fakeVerifier) VerifyNodeEnvironment(_ context.Context, n node.CandidateNode) (node.VerificationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, n.Name)
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- n.Name
	}
	if gate != nil {
		<-gate
	}
	if f.fail[n.Name] {
		return node.VerificationResult{Pass: false, Message: "driver not loaded"}, nil
	}
	return node.VerificationResult{Pass: true, Message: "ok"}, nil
}

type harness struct {
	validator  *fakeValidator
	discoverer *fakeDiscoverer
	inventory  *fakeInventory
	verifier   *fakeVerifier
	session    *Session
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	h := &harness{
		validator:  &fakeValidator{},
		discoverer: &fakeDiscoverer{},
		inventory:  &fakeInventory{},
		verifier:   &fakeVerifier{fail: map[string]bool{}},
	}
	for _, n := range names {
		h.discoverer.nodes = append(h.discoverer.nodes, node.CandidateNode{Name: n, Address: "10.0.1." + n})
	}
	h.session = NewSession("s-1", Deps{
		Validator:    h.validator,
		Discoverer:   h.discoverer,
		Orchestrator: verify.NewOrchestrator(h.verifier),
		Inventory:    h.inventory,
	}, testr.New(t))
	return h
}

// toVerification drives a session from stage 1 into stage 4.
func (h *harness) toVerification(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	s := h.session
	require.NoError(t, s.SetCredential("apiVersion: v1\nkind: Config\n"))
	_, err := s.Advance(ctx)
	require.NoError(t, err)
	_, err = s.CheckConnectivity(ctx)
	require.NoError(t, err)
	_, err = s.Advance(ctx)
	require.NoError(t, err)
	stage, err := s.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, StageVerification, stage)
}

func TestAdvance_GuardsEveryStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1", "2")
	s := h.session

	stage, err := s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard)
	assert.Equal(t, StageCredential, stage)

	assert.ErrorIs(t, s.SetCredential("   "), ErrEmptyCredential)
	require.NoError(t, s.SetCredential("kubeconfig"))
	stage, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageConnectivity, stage)

	_, err = s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard, "no metadata yet")
	assert.Equal(t, 0, h.discoverer.calls)

	_, err = s.CheckConnectivity(ctx)
	require.NoError(t, err)
	stage, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, stage)
	assert.Equal(t, 1, h.discoverer.calls)

	stage, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageVerification, stage)

	_, err = s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard, "nothing verified yet")
	assert.Empty(t, h.inventory.committed)
}

func TestCheckConnectivity_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	h.validator.failures = 2
	s := h.session
	require.NoError(t, s.SetCredential("kubeconfig"))
	_, err := s.Advance(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.CheckConnectivity(ctx)
		require.Error(t, err)
		assert.Contains(t, s.Snapshot().LastError, "i/o timeout")
		stage, err := s.Advance(ctx)
		assert.ErrorIs(t, err, ErrGuard)
		assert.Equal(t, StageConnectivity, stage)
	}

	meta, err := s.CheckConnectivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.ReportedNodeCount, "metadata comes from the successful attempt")

	stage, err := s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, stage)
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Cluster.ReportedNodeCount)
	assert.Empty(t, snap.LastError)
}

func TestBack_KeepsMetadataUntilRerun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.session
	require.NoError(t, s.SetCredential("kubeconfig"))
	_, err := s.Advance(ctx)
	require.NoError(t, err)
	_, err = s.CheckConnectivity(ctx)
	require.NoError(t, err)

	stage, err := s.Back()
	require.NoError(t, err)
	assert.Equal(t, StageCredential, stage)
	assert.NotNil(t, s.Snapshot().Cluster)

	_, err = s.Back()
	assert.ErrorIs(t, err, ErrWrongStage)

	_, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s.Snapshot().Cluster, "re-entering stage 2 alone keeps metadata")

	h.validator.mu.Lock()
	h.validator.failures = 100
	h.validator.mu.Unlock()
	_, err = s.CheckConnectivity(ctx)
	require.Error(t, err)
	assert.Nil(t, s.Snapshot().Cluster, "re-running the check replaces the metadata")
}

func TestDiscovery_ZeroNodesAndErrorsBlockAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	empty := newHarness(t)
	s := empty.session
	require.NoError(t, s.SetCredential("kubeconfig"))
	_, _ = s.Advance(ctx)
	_, _ = s.CheckConnectivity(ctx)
	stage, err := s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, stage)
	assert.Empty(t, s.Snapshot().LastError, "zero nodes is not an error")
	_, err = s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard)

	failing := newHarness(t, "1")
	failing.discoverer.err = errors.New("nodes is forbidden")
	s = failing.session
	require.NoError(t, s.SetCredential("kubeconfig"))
	_, _ = s.Advance(ctx)
	_, _ = s.CheckConnectivity(ctx)
	_, err = s.Advance(ctx)
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Contains(t, snap.LastError, "forbidden")
	assert.Empty(t, snap.Nodes)
	_, err = s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard)
}

func TestDeselectedNodeStaysPendingAndIsNotCommitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1", "2", "3")
	h.toVerification(t)
	s := h.session

	_, err := s.SetSelected("2", false)
	require.NoError(t, err)
	report, err := s.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, []string{"1", "3"}, h.verifier.calls)

	snap := s.Snapshot()
	assert.Equal(t, node.VerificationPending, snap.Nodes[1].Verification)

	stage, err := s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageCredential, stage, "successful commit resets the session")
	require.Len(t, h.inventory.committed, 1)
	assert.Equal(t, []string{"1", "3"}, node.Names(h.inventory.committed[0]))
	assert.Equal(t, "prod-gpu", h.inventory.meta[0].Name)
}

func TestCommit_FiltersSelectedAndSuccessful(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "A", "B", "C")
	h.verifier.fail["C"] = true
	h.toVerification(t)
	s := h.session

	_, err := s.VerifyAll(ctx)
	require.NoError(t, err)
	_, err = s.SetSelected("B", false)
	require.NoError(t, err)

	_, err = s.Advance(ctx)
	require.NoError(t, err)
	require.Len(t, h.inventory.committed, 1)
	assert.Equal(t, []string{"A"}, node.Names(h.inventory.committed[0]))

	snap := s.Snapshot()
	assert.Equal(t, StageCredential, snap.Stage)
	assert.False(t, snap.HasCred)
	assert.Nil(t, snap.Cluster)
	assert.Empty(t, snap.Nodes)
	require.NotNil(t, snap.LastCommit)
	assert.Equal(t, 1, snap.LastCommit.Committed)
}

func TestCommit_FailureStaysInCommitStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1", "2")
	h.inventory.failNext = 1
	h.toVerification(t)
	s := h.session

	_, err := s.VerifyNode(ctx, "1")
	require.NoError(t, err)

	stage, err := s.Advance(ctx)
	require.Error(t, err)
	assert.Equal(t, StageCommit, stage)
	assert.Equal(t, StageCommit, s.Stage())
	assert.Contains(t, s.Snapshot().LastError, "database is locked")

	ack, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Committed)
	assert.Equal(t, 1, h.discoverer.calls, "retry does not rediscover")
	assert.Equal(t, []string{"1"}, h.verifier.calls, "retry does not reverify")
	assert.Equal(t, StageCredential, s.Stage())
}

func TestCancel_DropsInFlightVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	h.toVerification(t)
	s := h.session

	gate := make(chan struct{})
	started := make(chan string, 1)
	h.verifier.mu.Lock()
	h.verifier.gate, h.verifier.started = gate, started
	h.verifier.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.VerifyNode(ctx, "1")
		done <- err
	}()
	<-started

	s.Cancel()
	close(gate)
	assert.ErrorIs(t, <-done, node.ErrRegistryClosed)

	snap := s.Snapshot()
	assert.Equal(t, StageCredential, snap.Stage)
	assert.Empty(t, snap.Nodes)
	assert.False(t, snap.HasCred)
}

func TestOperations_RequireTheirStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.session

	_, err := s.CheckConnectivity(ctx)
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = s.VerifyNode(ctx, "1")
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = s.VerifyAll(ctx)
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = s.SetSelected("1", false)
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = s.Commit(ctx)
	assert.ErrorIs(t, err, ErrWrongStage)

	h.toVerification(t)
	assert.ErrorIs(t, s.SetCredential("other"), ErrWrongStage)
}

func TestBack_FromVerificationKeepsResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	h.toVerification(t)
	s := h.session

	_, err := s.VerifyNode(ctx, "1")
	require.NoError(t, err)

	stage, err := s.Back()
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, stage)
	stage, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageVerification, stage)

	assert.Equal(t, node.VerificationSuccess, s.Snapshot().Nodes[0].Verification)
	assert.Equal(t, 1, h.discoverer.calls)
}

func TestCommit_ConcurrentCallersCommitOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1", "2")
	h.inventory.entered = make(chan struct{}, 4)
	h.inventory.gate = make(chan struct{})
	h.toVerification(t)
	s := h.session

	_, err := s.VerifyNode(ctx, "1")
	require.NoError(t, err)

	advanced := make(chan error, 1)
	go func() {
		_, err := s.Advance(ctx)
		advanced <- err
	}()
	<-h.inventory.entered

	_, err = s.Commit(ctx)
	assert.ErrorIs(t, err, ErrCommitInFlight)
	_, err = s.Back()
	assert.ErrorIs(t, err, ErrCommitInFlight)
	assert.Equal(t, StageCommit, s.Stage())

	close(h.inventory.gate)
	require.NoError(t, <-advanced)

	h.inventory.mu.Lock()
	defer h.inventory.mu.Unlock()
	assert.Len(t, h.inventory.committed, 1)
	assert.Equal(t, StageCredential, s.Stage())
}

func TestSetCredential_ChangeRequiresNewConnectivityCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.session

	require.NoError(t, s.SetCredential("cluster-a"))
	_, err := s.Advance(ctx)
	require.NoError(t, err)
	_, err = s.CheckConnectivity(ctx)
	require.NoError(t, err)
	_, err = s.Advance(ctx)
	require.NoError(t, err)
	_, err = s.Back()
	require.NoError(t, err)
	_, err = s.Back()
	require.NoError(t, err)

	require.NoError(t, s.SetCredential("cluster-a"))
	assert.NotNil(t, s.Snapshot().Cluster, "same credential keeps metadata")

	require.NoError(t, s.SetCredential("cluster-b"))
	snap := s.Snapshot()
	assert.Nil(t, snap.Cluster)
	assert.Empty(t, snap.Nodes)

	stage, err := s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageConnectivity, stage)
	_, err = s.Advance(ctx)
	assert.ErrorIs(t, err, ErrGuard)

	meta, err := s.CheckConnectivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, node.Credential("cluster-b"), meta.Credential)
	stage, err = s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, stage)

	h.discoverer.mu.Lock()
	defer h.discoverer.mu.Unlock()
	assert.Equal(t, []node.Credential{"cluster-a", "cluster-b"}, h.discoverer.seen)
	assert.Equal(t, 2, h.validator.calls)
}

func TestStartVerifyAll_OneBatchPerSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, "1", "2")
	h.toVerification(t)
	s := h.session

	run, err := s.StartVerifyAll()
	require.NoError(t, err)
	_, err = s.StartVerifyAll()
	assert.ErrorIs(t, err, node.ErrBatchInFlight)
	_, err = s.VerifyAll(ctx)
	assert.ErrorIs(t, err, node.ErrBatchInFlight)

	report, err := run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, []string{"1", "2"}, h.verifier.calls)
}

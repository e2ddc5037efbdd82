package clustersync

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

var errNotFound = errors.New("cluster not found")

type fakeInventory struct {
	mu        sync.Mutex
	clusters  map[string]node.ClusterMetadata
	known     map[string]map[string]struct{}
	failNext  bool
	committed [][]node.CandidateNode
	entered   chan struct{}
	gate      chan struct{}
}

func (f *fakeInventory) Cluster(_ context.Context, name string) (node.ClusterMetadata, error) {
	m, ok := f.clusters[name]
	if !ok {
		return node.ClusterMetadata{}, errNotFound
	}
	return m, nil
}

func (f *fakeInventory) NodeNames(_ context.Context, cluster string) (map[string]struct{}, error) {
	return f.known[cluster], nil
}

func (f *fakeInventory) CommitNodes(_ context.Context, _ node.ClusterMetadata, nodes []node.CandidateNode) (node.Ack, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return node.Ack{}, errors.New("database is locked")
	}
	f.committed = append(f.committed, nodes)
	return node.Ack{ClusterID: 7, Committed: len(nodes)}, nil
}

type fakeDiscoverer struct {
	nodes []node.CandidateNode
}

func (f fakeDiscoverer) DiscoverNodes(context.Context, node.ClusterMetadata) ([]node.CandidateNode, error) {
	return append([]node.CandidateNode(nil), f.nodes...), nil
}

type passVerifier struct {
	fail map[string]bool
}

func (v passVerifier) VerifyNodeEnvironment(_ context.Context, n node.CandidateNode) (node.VerificationResult, error) {
	return node.VerificationResult{Pass: !v.fail[n.Name], Message: "checked " + n.Name}, nil
}

func newController(t *testing.T, inv *fakeInventory, discovered []string, fail map[string]bool) *Controller {
	t.Helper()
	var nodes []node.CandidateNode
	for _, n := range discovered {
		nodes = append(nodes, node.CandidateNode{Name: n, Address: "10.0.2." + n})
	}
	return NewController(inv, fakeDiscoverer{nodes: nodes}, verify.NewOrchestrator(passVerifier{fail: fail}), nil, testr.New(t))
}

func prodInventory() *fakeInventory {
	return &fakeInventory{
		clusters: map[string]node.ClusterMetadata{"prod-gpu": {Name: "prod-gpu", Credential: "kubeconfig"}},
		known:    map[string]map[string]struct{}{"prod-gpu": {"1": {}, "2": {}, "3": {}}},
	}
}

func TestSync_CommitsOnlyNewVerifiedNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := prodInventory()
	c := newController(t, inv, []string{"1", "2", "3", "4", "5"}, nil)

	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)
	view := b.View()
	assert.Equal(t, []string{"4", "5"}, node.Names(view.Nodes))
	for _, n := range view.Nodes {
		assert.True(t, n.Selected)
		assert.Equal(t, node.VerificationPending, n.Verification)
	}

	report, err := c.VerifyAll(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Passed)

	ack, err := c.Confirm(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Committed)
	require.Len(t, inv.committed, 1)
	assert.Equal(t, []string{"4", "5"}, node.Names(inv.committed[0]))

	_, err = c.Get(b.ID)
	assert.ErrorIs(t, err, ErrBatchNotFound, "confirmed batch is discarded")
}

func TestSync_ConfirmFiltersAndRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := prodInventory()
	inv.failNext = true
	c := newController(t, inv, []string{"4", "5", "6"}, map[string]bool{"6": true})

	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)

	_, err = c.Confirm(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNothingToSync)

	_, err = c.VerifyNode(ctx, b.ID, "4")
	require.NoError(t, err)
	_, err = c.VerifyNode(ctx, b.ID, "6")
	require.NoError(t, err)
	_, err = c.VerifyNode(ctx, b.ID, "5")
	require.NoError(t, err)
	_, err = c.SetSelected(b.ID, "5", false)
	require.NoError(t, err)

	_, err = c.Confirm(ctx, b.ID)
	require.Error(t, err)
	_, err = c.Get(b.ID)
	require.NoError(t, err, "failed commit keeps the batch")

	_, err = c.Confirm(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, node.Names(inv.committed[0]))
}

func TestSync_CancelAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := prodInventory()
	c := newController(t, inv, []string{"9"}, nil)

	_, err := c.Start(ctx, "staging")
	assert.ErrorIs(t, err, errNotFound)

	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)
	assert.Len(t, c.List(), 1)

	require.NoError(t, c.Cancel(b.ID))
	assert.True(t, b.Registry.Closed())
	assert.Empty(t, c.List())
	assert.ErrorIs(t, c.Cancel(b.ID), ErrBatchNotFound)
	_, err = c.VerifyAll(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
	assert.Empty(t, inv.committed)
}

func TestSync_BatchesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := prodInventory()
	c := newController(t, inv, []string{"4"}, nil)

	a, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)
	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)

	_, err = c.VerifyNode(ctx, a.ID, "4")
	require.NoError(t, err)

	na, _ := a.Registry.Get("4")
	nb, _ := b.Registry.Get("4")
	assert.Equal(t, node.VerificationSuccess, na.Verification)
	assert.Equal(t, node.VerificationPending, nb.Verification)
}

func TestSync_ConcurrentConfirmCommitsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := prodInventory()
	inv.entered = make(chan struct{}, 4)
	inv.gate = make(chan struct{})
	c := newController(t, inv, []string{"4"}, nil)

	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)
	_, err = c.VerifyAll(ctx, b.ID)
	require.NoError(t, err)

	confirmed := make(chan error, 1)
	go func() {
		_, err := c.Confirm(ctx, b.ID)
		confirmed <- err
	}()
	<-inv.entered

	_, err = c.Confirm(ctx, b.ID)
	assert.ErrorIs(t, err, ErrConfirmInFlight)
	assert.ErrorIs(t, c.Cancel(b.ID), ErrConfirmInFlight)

	close(inv.gate)
	require.NoError(t, <-confirmed)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Len(t, inv.committed, 1)
	_, err = c.Get(b.ID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestSync_StartVerifyAllRejectsOverlap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newController(t, prodInventory(), []string{"4", "5"}, nil)

	b, err := c.Start(ctx, "prod-gpu")
	require.NoError(t, err)

	run, err := c.StartVerifyAll(b.ID)
	require.NoError(t, err)
	_, err = c.StartVerifyAll(b.ID)
	assert.ErrorIs(t, err, node.ErrBatchInFlight)

	report, err := run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Passed)

	_, err = c.StartVerifyAll("missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

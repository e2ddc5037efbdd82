package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventory struct {
	mu    sync.Mutex
	known map[string][]string
}

func (f *fakeInventory) Clusters(context.Context) ([]node.ClusterMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []node.ClusterMetadata
	for _, name := range []string{"edge", "prod-gpu"} {
		if _, ok := f.known[name]; ok {
			out = append(out, node.ClusterMetadata{Name: name})
		}
	}
	return out, nil
}

func (f *fakeInventory) NodeNames(_ context.Context, cluster string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := map[string]struct{}{}
	for _, n := range f.known[cluster] {
		set[n] = struct{}{}
	}
	return set, nil
}

func (f *fakeInventory) commit(cluster string, names ...string) {
	f.mu.Lock()
	f.known[cluster] = append(f.known[cluster], names...)
	f.mu.Unlock()
}

type fakeDiscoverer struct {
	nodes map[string][]string
	fail  map[string]bool
}

func (f fakeDiscoverer) DiscoverNodes(_ context.Context, meta node.ClusterMetadata) ([]node.CandidateNode, error) {
	if f.fail[meta.Name] {
		return nil, errors.New("the server has asked for the client to provide credentials")
	}
	var out []node.CandidateNode
	for _, n := range f.nodes[meta.Name] {
		out = append(out, node.CandidateNode{Name: n})
	}
	return out, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	notices []messaging.SyncNotice
	fail    bool
}

func (p *recordingPublisher) Publish(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject != messaging.SubjectSyncAvailable {
		return errors.New("unexpected subject " + subject)
	}
	if p.fail {
		return errors.New("nats: connection closed")
	}
	p.notices = append(p.notices, v.(messaging.SyncNotice))
	return nil
}

func (p *recordingPublisher) Notices() []messaging.SyncNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messaging.SyncNotice(nil), p.notices...)
}

func TestScan_AnnouncesOnlyChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := &fakeInventory{known: map[string][]string{"prod-gpu": {"1", "2", "3"}, "edge": {"e1"}}}
	disc := fakeDiscoverer{nodes: map[string][]string{
		"prod-gpu": {"1", "2", "3", "5", "4"},
		"edge":     {"e1"},
	}}
	pub := &recordingPublisher{}
	s := NewService(inv, disc, pub, time.Hour, testr.New(t))

	s.Scan(ctx)
	require.Len(t, pub.Notices(), 1)
	assert.Equal(t, "prod-gpu", pub.Notices()[0].Cluster)
	assert.Equal(t, []string{"4", "5"}, pub.Notices()[0].NewNodes)

	s.Scan(ctx)
	assert.Len(t, pub.Notices(), 1, "unchanged set is not announced again")

	inv.commit("prod-gpu", "4")
	s.Scan(ctx)
	require.Len(t, pub.Notices(), 2)
	assert.Equal(t, []string{"5"}, pub.Notices()[1].NewNodes)

	inv.commit("prod-gpu", "5")
	s.Scan(ctx)
	assert.Len(t, pub.Notices(), 2, "nothing new means nothing to announce")
}

func TestScan_FailuresAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := &fakeInventory{known: map[string][]string{"prod-gpu": {"1"}, "edge": {"e1"}}}
	disc := fakeDiscoverer{
		nodes: map[string][]string{"prod-gpu": {"1", "2"}},
		fail:  map[string]bool{"edge": true},
	}
	pub := &recordingPublisher{fail: true}
	s := NewService(inv, disc, pub, time.Hour, testr.New(t))

	s.Scan(ctx)
	assert.Empty(t, pub.Notices())

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()
	s.Scan(ctx)
	require.Len(t, pub.Notices(), 1, "failed publish is retried on the next scan")
	assert.Equal(t, []string{"2"}, pub.Notices()[0].NewNodes)
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()
	inv := &fakeInventory{known: map[string][]string{"prod-gpu": {"1"}}}
	disc := fakeDiscoverer{nodes: map[string][]string{"prod-gpu": {"1", "2"}}}
	pub := &recordingPublisher{}
	s := NewService(inv, disc, pub, 10*time.Millisecond, testr.New(t))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return len(pub.Notices()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Len(t, pub.Notices(), 1)
}

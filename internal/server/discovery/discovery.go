package discovery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/clustersync"
	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr"
)

// Inventory lists the clusters to watch and the nodes already committed.
type Inventory interface {
	clustersync.NodeNamer
	Clusters(ctx context.Context) ([]node.ClusterMetadata, error)
}

// Publisher sends notices to operators.
type Publisher interface {
	Publish(subject string, v any) error
}

// Service periodically looks for nodes that joined an inventoried cluster and
// announces them. It never changes the inventory.
type Service struct {
	inventory  Inventory
	discoverer clustersync.NodeDiscoverer
	events     Publisher
	interval   time.Duration
	log        logr.Logger

	stopCh chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	announced map[string][]string
}

// NewService creates a new join watcher.
func NewService(inv Inventory, disc clustersync.NodeDiscoverer, events Publisher, interval time.Duration, log logr.Logger) *Service {
	return &Service{
		inventory:  inv,
		discoverer: disc,
		events:     events,
		interval:   interval,
		log:        log.WithName("discovery"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		announced:  make(map[string][]string),
	}
}

// Start begins the periodic scan.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("starting join watcher", "interval", s.interval)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Scan immediately on start
		s.Scan(ctx)

		for {
			select {
			case <-ticker.C:
				s.Scan(ctx)
			case <-s.stopCh:
				s.log.Info("stopping join watcher")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (s *Service) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.done
}

// Scan checks every inventoried cluster once. A cluster is announced again
// only when its set of new nodes changes.
func (s *Service) Scan(ctx context.Context) {
	clusters, err := s.inventory.Clusters(ctx)
	if err != nil {
		s.log.Error(err, "failed to list clusters")
		return
	}
	for _, meta := range clusters {
		fresh, err := clustersync.NewNodes(ctx, s.inventory, s.discoverer, meta)
		if err != nil {
			s.log.Error(err, "failed to discover nodes", "cluster", meta.Name)
			continue
		}
		names := node.Names(fresh)
		slices.Sort(names)
		if !s.changed(meta.Name, names) {
			continue
		}
		if len(names) == 0 {
			continue
		}
		s.log.Info("new nodes joined", "cluster", meta.Name, "nodes", names)
		notice := messaging.SyncNotice{Cluster: meta.Name, NewNodes: names, Timestamp: time.Now()}
		if err := s.events.Publish(messaging.SubjectSyncAvailable, notice); err != nil {
			s.log.Error(err, "failed to publish sync notice", "cluster", meta.Name)
			s.forget(meta.Name)
		}
	}
}

func (s *Service) changed(cluster string, names []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Equal(s.announced[cluster], names) {
		return false
	}
	s.announced[cluster] = names
	return true
}

func (s *Service) forget(cluster string) {
	s.mu.Lock()
	delete(s.announced, cluster)
	s.mu.Unlock()
}

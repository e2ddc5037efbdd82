// Package inventory persists committed clusters and nodes.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/atvirokodosprendimai/nodegate/internal/metrics"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	ErrNothingToCommit = errors.New("no nodes to commit")
	// ErrClusterConflict is returned when a commit names an inventoried
	// cluster that lives at a different API endpoint.
	ErrClusterConflict = errors.New("cluster name already used by another cluster")
)

// StatusReady is the operational status given to freshly committed nodes.
const StatusReady = "ready"

// EventPublisher publishes inventory events.
type EventPublisher interface {
	Publish(subject string, v any) error
}

// Store is the node inventory backed by a gorm database.
type Store struct {
	db      *gorm.DB
	events  EventPublisher
	metrics *metrics.Recorder
	log     logr.Logger
	now     func() time.Time
}

// NewStore creates a Store. events and m may be nil.
func NewStore(db *gorm.DB, events EventPublisher, m *metrics.Recorder, log logr.Logger) *Store {
	return &Store{db: db, events: events, metrics: m, log: log.WithName("inventory"), now: time.Now}
}

// CommitNodes upserts the cluster and the given nodes in one transaction.
// Either every node is stored or none is. A cluster is identified by name and
// its API endpoint; reusing a name for a different endpoint is rejected.
func (s *Store) CommitNodes(ctx context.Context, meta node.ClusterMetadata, nodes []node.CandidateNode) (node.Ack, error) {
	if len(nodes) == 0 {
		return node.Ack{}, ErrNothingToCommit
	}
	if meta.Name == "" {
		return node.Ack{}, fmt.Errorf("cluster name is required")
	}

	var cluster Cluster
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Cluster
		err := tx.Where("name = ?", meta.Name).Limit(1).Find(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to look up cluster %s: %w", meta.Name, err)
		}
		if existing.ID != 0 && existing.APIEndpoint != meta.APIEndpoint {
			return fmt.Errorf("%w: %s is registered at %s, not %s", ErrClusterConflict, meta.Name, existing.APIEndpoint, meta.APIEndpoint)
		}

		cluster = Cluster{
			Name:                meta.Name,
			APIEndpoint:         meta.APIEndpoint,
			ControlPlaneVersion: meta.ControlPlaneVersion,
			Provider:            meta.Provider,
			ReportedNodeCount:   meta.ReportedNodeCount,
			Credential:          string(meta.Credential),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_endpoint", "control_plane_version", "provider", "reported_node_count", "credential", "updated_at"}),
		}).Create(&cluster).Error
		if err != nil {
			return fmt.Errorf("failed to upsert cluster %s: %w", meta.Name, err)
		}
		if err := tx.Where("name = ?", meta.Name).First(&cluster).Error; err != nil {
			return fmt.Errorf("failed to reload cluster %s: %w", meta.Name, err)
		}

		rows := make([]Node, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, toRow(cluster.ID, n))
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cluster_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"address", "accelerator_model", "accelerator_count", "cpu_cores", "memory_gb", "status",
				"accelerator_generation", "driver_version", "runtime_version", "container_runtime",
				"network_fabric", "architecture", "updated_at",
			}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to upsert nodes for cluster %s: %w", meta.Name, err)
		}
		return nil
	})
	if err != nil {
		s.metrics.Commit(metrics.ResultError)
		return node.Ack{}, err
	}
	s.metrics.Commit(metrics.ResultSuccess)

	ack := node.Ack{ClusterID: cluster.ID, Committed: len(nodes), At: s.now()}
	s.log.Info("committed nodes", "cluster", meta.Name, "clusterID", cluster.ID, "nodes", node.Names(nodes))

	if s.events != nil {
		ev := messaging.CommitEvent{Cluster: meta.Name, ClusterID: cluster.ID, Nodes: node.Names(nodes), Timestamp: ack.At}
		if err := s.events.Publish(messaging.SubjectNodesCommitted, ev); err != nil {
			s.log.Error(err, "failed to publish commit event", "cluster", meta.Name)
		}
	}
	return ack, nil
}

// Cluster returns the metadata of a committed cluster, credential included.
func (s *Store) Cluster(ctx context.Context, name string) (node.ClusterMetadata, error) {
	var c Cluster
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return node.ClusterMetadata{}, fmt.Errorf("%w: %s", ErrClusterNotFound, name)
	}
	if err != nil {
		return node.ClusterMetadata{}, err
	}
	return toMetadata(c), nil
}

// Clusters lists all committed clusters ordered by name.
func (s *Store) Clusters(ctx context.Context) ([]node.ClusterMetadata, error) {
	var rows []Cluster
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]node.ClusterMetadata, 0, len(rows))
	for _, c := range rows {
		out = append(out, toMetadata(c))
	}
	return out, nil
}

// Nodes returns the committed nodes of a cluster with their runtime metadata.
func (s *Store) Nodes(ctx context.Context, clusterName string) ([]node.CandidateNode, error) {
	var c Cluster
	err := s.db.WithContext(ctx).Preload("Nodes", func(db *gorm.DB) *gorm.DB {
		return db.Order("name")
	}).Where("name = ?", clusterName).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterName)
	}
	if err != nil {
		return nil, err
	}
	out := make([]node.CandidateNode, 0, len(c.Nodes))
	for _, r := range c.Nodes {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// NodeNames returns the set of node names already committed for a cluster.
func (s *Store) NodeNames(ctx context.Context, clusterName string) (map[string]struct{}, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Node{}).
		Joins("JOIN clusters ON clusters.id = nodes.cluster_id").
		Where("clusters.name = ?", clusterName).
		Pluck("nodes.name", &names).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}

func toMetadata(c Cluster) node.ClusterMetadata {
	return node.ClusterMetadata{
		Name:                c.Name,
		ControlPlaneVersion: c.ControlPlaneVersion,
		APIEndpoint:         c.APIEndpoint,
		Provider:            c.Provider,
		ReportedNodeCount:   c.ReportedNodeCount,
		Credential:          node.Credential(c.Credential),
	}
}

func toRow(clusterID uint, n node.CandidateNode) Node {
	row := Node{
		ClusterID:        clusterID,
		Name:             n.Name,
		Address:          n.Address,
		AcceleratorModel: n.AcceleratorModel,
		AcceleratorCount: n.AcceleratorCount,
		CPUCores:         n.CPUCores,
		MemoryGB:         n.MemoryGB,
		Status:           StatusReady,
	}
	if env := n.Environment; env != nil {
		row.AcceleratorGeneration = env.AcceleratorGeneration
		row.DriverVersion = env.DriverVersion
		row.RuntimeVersion = env.RuntimeVersion
		row.ContainerRuntime = env.ContainerRuntime
		row.NetworkFabric = env.NetworkFabric
		row.Architecture = env.Architecture
	}
	return row
}

func fromRow(r Node) node.CandidateNode {
	return node.CandidateNode{
		Name:             r.Name,
		Address:          r.Address,
		AcceleratorModel: r.AcceleratorModel,
		AcceleratorCount: r.AcceleratorCount,
		CPUCores:         r.CPUCores,
		MemoryGB:         r.MemoryGB,
		Selected:         true,
		Verification:     node.VerificationSuccess,
		Environment: &node.Environment{
			AcceleratorGeneration: r.AcceleratorGeneration,
			DriverVersion:         r.DriverVersion,
			RuntimeVersion:        r.RuntimeVersion,
			ContainerRuntime:      r.ContainerRuntime,
			NetworkFabric:         r.NetworkFabric,
			Architecture:          r.Architecture,
		},
		Runtime: &node.Runtime{
			Status:                 r.Status,
			CPUUtilization:         r.CPUUtilization,
			MemoryUtilization:      r.MemoryUtilization,
			AcceleratorUtilization: r.AcceleratorUtilization,
			CommittedAt:            r.CreatedAt,
		},
	}
}

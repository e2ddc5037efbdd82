package inventory

import (
	"gorm.io/gorm"
)

// Cluster is an external cluster whose nodes have been committed at least once.
type Cluster struct {
	gorm.Model
	Name                string `gorm:"uniqueIndex"`
	APIEndpoint         string
	ControlPlaneVersion string
	Provider            string
	ReportedNodeCount   int
	Credential          string
	Nodes               []Node
}

// Node is a committed compute node. Names are unique within a cluster.
type Node struct {
	gorm.Model
	ClusterID        uint   `gorm:"uniqueIndex:idx_cluster_node"`
	Name             string `gorm:"uniqueIndex:idx_cluster_node"`
	Address          string
	AcceleratorModel string
	AcceleratorCount int
	CPUCores         int
	MemoryGB         int

	Status                 string
	CPUUtilization         float64
	MemoryUtilization      float64
	AcceleratorUtilization float64

	AcceleratorGeneration string
	DriverVersion         string
	RuntimeVersion        string
	ContainerRuntime      string
	NetworkFabric         string
	Architecture          string
}

package node

import (
	"strings"
	"time"
)

// Credential is the operator-supplied access blob for an external cluster.
// Either a kubeconfig or a wg-mesh descriptor; the connector decides.
type Credential string

// Empty reports whether the credential carries no usable content.
func (c Credential) Empty() bool {
	return strings.TrimSpace(string(c)) == ""
}

// ClusterMetadata describes a cluster that passed the connectivity check.
type ClusterMetadata struct {
	Name                string `json:"name"`
	ControlPlaneVersion string `json:"control_plane_version"`
	APIEndpoint         string `json:"api_endpoint"`
	Provider            string `json:"provider"`
	ReportedNodeCount   int    `json:"reported_node_count"`

	// Credential is kept so the cluster can be reached again for sync.
	Credential Credential `json:"-"`
}

// Verification is the verification state of a candidate node.
type Verification string

const (
	VerificationPending   Verification = "pending"
	VerificationVerifying Verification = "verifying"
	VerificationSuccess   Verification = "success"
	VerificationFailed    Verification = "failed"
)

// Settled reports whether the state is a final verification outcome.
func (v Verification) Settled() bool {
	return v == VerificationSuccess || v == VerificationFailed
}

// Environment is what the agent observed on the node during the last check.
type Environment struct {
	AcceleratorGeneration string `json:"accelerator_generation,omitempty"`
	DriverVersion         string `json:"driver_version,omitempty"`
	RuntimeVersion        string `json:"runtime_version,omitempty"`
	ContainerRuntime      string `json:"container_runtime,omitempty"`
	NetworkFabric         string `json:"network_fabric,omitempty"`
	Architecture          string `json:"architecture,omitempty"`
}

// Runtime holds operational data; only set on nodes read back from the inventory.
type Runtime struct {
	Status                 string    `json:"status"`
	CPUUtilization         float64   `json:"cpu_utilization"`
	MemoryUtilization      float64   `json:"memory_utilization"`
	AcceleratorUtilization float64   `json:"accelerator_utilization"`
	CommittedAt            time.Time `json:"committed_at"`
}

// CandidateNode is one discovered compute node.
type CandidateNode struct {
	Name    string `json:"name"`
	Address string `json:"address"`

	AcceleratorModel string `json:"accelerator_model,omitempty"`
	AcceleratorCount int    `json:"accelerator_count"`
	CPUCores         int    `json:"cpu_cores"`
	MemoryGB         int    `json:"memory_gb"`

	Selected     bool         `json:"selected"`
	Verification Verification `json:"verification"`
	Message      string       `json:"message,omitempty"`

	Environment *Environment `json:"environment,omitempty"`
	Runtime     *Runtime     `json:"runtime,omitempty"`
}

// VerificationResult is the strict pass/fail outcome of one environment check.
type VerificationResult struct {
	Pass        bool         `json:"pass"`
	Message     string       `json:"message"`
	Environment *Environment `json:"environment,omitempty"`
}

// Ack acknowledges a committed node set.
type Ack struct {
	ClusterID uint      `json:"cluster_id"`
	Committed int       `json:"committed"`
	At        time.Time `json:"at"`
}

// Names returns the node names in order.
func Names(nodes []CandidateNode) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}

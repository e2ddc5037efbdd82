// Package cluster validates access to external clusters and enumerates their
// candidate compute nodes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/wgmesh"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrEmptyCredential is returned when no credential was supplied.
var ErrEmptyCredential = errors.New("credential is empty")

// KindWGMesh marks a credential that points at a wg-mesh daemon instead of a kubeconfig.
const KindWGMesh = "wgmesh"

// ClientsetFactory builds a Kubernetes client from kubeconfig bytes.
type ClientsetFactory func(kubeconfig []byte) (kubernetes.Interface, error)

// PeerLister lists the peers of a wg-mesh network.
type PeerLister interface {
	GetPeers(ctx context.Context) ([]*wgmesh.PeerInfo, error)
}

// Connector implements connectivity validation and node discovery for both
// Kubernetes clusters and wg-mesh networks.
type Connector struct {
	newClientset ClientsetFactory
	newMesh      func(socket string) PeerLister
	log          logr.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithClientsetFactory overrides how Kubernetes clients are built.
func WithClientsetFactory(f ClientsetFactory) Option {
	return func(c *Connector) { c.newClientset = f }
}

// WithMeshFactory overrides how wg-mesh clients are built.
func WithMeshFactory(f func(socket string) PeerLister) Option {
	return func(c *Connector) { c.newMesh = f }
}

// NewConnector creates a Connector. timeout bounds every Kubernetes API request.
func NewConnector(log logr.Logger, timeout time.Duration, opts ...Option) *Connector {
	c := &Connector{
		newClientset: func(kubeconfig []byte) (kubernetes.Interface, error) {
			restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("failed to create REST config from kubeconfig: %w", err)
			}
			restConfig.Timeout = timeout
			clientset, err := kubernetes.NewForConfig(restConfig)
			if err != nil {
				return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
			}
			return clientset, nil
		},
		newMesh: func(socket string) PeerLister { return wgmesh.NewClient(socket) },
		log:     log.WithName("cluster"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// meshDescriptor is the credential format for wg-mesh networks.
type meshDescriptor struct {
	Kind   string `yaml:"kind"`
	Name   string `yaml:"name"`
	Socket string `yaml:"socket"`
}

// parseMesh reports whether cred is a wg-mesh descriptor and returns it.
func parseMesh(cred node.Credential) (meshDescriptor, bool, error) {
	var d meshDescriptor
	if err := yaml.Unmarshal([]byte(cred), &d); err != nil {
		// Not YAML we understand; let the kubeconfig loader report on it.
		return d, false, nil
	}
	if d.Kind != KindWGMesh {
		return d, false, nil
	}
	if d.Name == "" || d.Socket == "" {
		return d, true, fmt.Errorf("wgmesh credential requires name and socket")
	}
	return d, true, nil
}

// ValidateConnectivity checks that the cluster behind cred is reachable and
// returns its metadata.
func (c *Connector) ValidateConnectivity(ctx context.Context, cred node.Credential) (node.ClusterMetadata, error) {
	if cred.Empty() {
		return node.ClusterMetadata{}, ErrEmptyCredential
	}
	mesh, isMesh, err := parseMesh(cred)
	if err != nil {
		return node.ClusterMetadata{}, err
	}
	var meta node.ClusterMetadata
	if isMesh {
		meta, err = c.validateMesh(ctx, mesh)
	} else {
		meta, err = c.validateKube(ctx, cred)
	}
	if err != nil {
		c.log.Info("connectivity check failed", "error", err.Error())
		return node.ClusterMetadata{}, err
	}
	meta.Credential = cred
	c.log.Info("connectivity check passed", "cluster", meta.Name, "version", meta.ControlPlaneVersion, "nodes", meta.ReportedNodeCount)
	return meta, nil
}

// DiscoverNodes enumerates the candidate compute nodes of a validated cluster.
func (c *Connector) DiscoverNodes(ctx context.Context, meta node.ClusterMetadata) ([]node.CandidateNode, error) {
	mesh, isMesh, err := parseMesh(meta.Credential)
	if err != nil {
		return nil, err
	}
	var nodes []node.CandidateNode
	if isMesh {
		nodes, err = c.discoverMesh(ctx, mesh)
	} else {
		nodes, err = c.discoverKube(ctx, meta.Credential)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discover nodes of %s: %w", meta.Name, err)
	}
	c.log.Info("discovered nodes", "cluster", meta.Name, "count", len(nodes))
	return nodes, nil
}

func (c *Connector) validateMesh(ctx context.Context, d meshDescriptor) (node.ClusterMetadata, error) {
	peers, err := c.newMesh(d.Socket).GetPeers(ctx)
	if err != nil {
		return node.ClusterMetadata{}, err
	}
	return node.ClusterMetadata{
		Name:                d.Name,
		ControlPlaneVersion: "wg-mesh",
		APIEndpoint:         "unix://" + d.Socket,
		Provider:            KindWGMesh,
		ReportedNodeCount:   len(peers),
	}, nil
}

func (c *Connector) discoverMesh(ctx context.Context, d meshDescriptor) ([]node.CandidateNode, error) {
	peers, err := c.newMesh(d.Socket).GetPeers(ctx)
	if err != nil {
		return nil, err
	}
	return wgmesh.Candidates(peers), nil
}

package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/clientcmd"
)

// GPU vendors whose device plugins advertise "<vendor>/gpu" resources and
// whose feature discovery sets "<vendor>/gpu.product".
var vendors = []string{
	"nvidia.com",
	"amd.com",
	"intel.com",
}

var controlPlaneLabels = []string{
	"node-role.kubernetes.io/control-plane",
	"node-role.kubernetes.io/master",
}

func (c *Connector) validateKube(ctx context.Context, cred node.Credential) (node.ClusterMetadata, error) {
	cfg, err := clientcmd.Load([]byte(cred))
	if err != nil {
		return node.ClusterMetadata{}, fmt.Errorf("failed to parse kubeconfig: %w", err)
	}
	kctx, ok := cfg.Contexts[cfg.CurrentContext]
	if !ok {
		return node.ClusterMetadata{}, fmt.Errorf("kubeconfig current context %q not found", cfg.CurrentContext)
	}
	kcluster, ok := cfg.Clusters[kctx.Cluster]
	if !ok {
		return node.ClusterMetadata{}, fmt.Errorf("kubeconfig cluster %q not found", kctx.Cluster)
	}

	clientset, err := c.newClientset([]byte(cred))
	if err != nil {
		return node.ClusterMetadata{}, err
	}
	info, err := clientset.Discovery().ServerVersion()
	if err != nil {
		return node.ClusterMetadata{}, fmt.Errorf("failed to reach API server at %s: %w", kcluster.Server, err)
	}
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return node.ClusterMetadata{}, fmt.Errorf("failed to list nodes: %w", err)
	}

	return node.ClusterMetadata{
		Name:                kctx.Cluster,
		ControlPlaneVersion: info.GitVersion,
		APIEndpoint:         kcluster.Server,
		Provider:            detectProvider(nodes.Items),
		ReportedNodeCount:   len(nodes.Items),
	}, nil
}

func (c *Connector) discoverKube(ctx context.Context, cred node.Credential) ([]node.CandidateNode, error) {
	clientset, err := c.newClientset([]byte(cred))
	if err != nil {
		return nil, err
	}
	list, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	out := make([]node.CandidateNode, 0, len(list.Items))
	for i := range list.Items {
		n := &list.Items[i]
		if isControlPlane(n) {
			c.log.V(1).Info("skipping control-plane node", "node", n.Name)
			continue
		}
		out = append(out, candidateFromNode(n))
	}
	return out, nil
}

func candidateFromNode(n *corev1.Node) node.CandidateNode {
	cand := node.CandidateNode{
		Name:    n.Name,
		Address: nodeAddress(n),
	}
	if cpu, ok := n.Status.Capacity[corev1.ResourceCPU]; ok {
		cand.CPUCores = int(cpu.Value())
	}
	if mem, ok := n.Status.Capacity[corev1.ResourceMemory]; ok {
		cand.MemoryGB = int(mem.Value() >> 30)
	}
	for _, vendor := range vendors {
		model, ok := n.Labels[vendor+"/gpu.product"]
		res := corev1.ResourceName(vendor + "/gpu")
		qty, hasQty := n.Status.Allocatable[res]
		if !hasQty {
			qty, hasQty = n.Status.Capacity[res]
		}
		if !ok && !hasQty {
			continue
		}
		cand.AcceleratorModel = model
		if hasQty {
			cand.AcceleratorCount = int(qty.Value())
		}
		break
	}
	return cand
}

func nodeAddress(n *corev1.Node) string {
	var fallback string
	for _, a := range n.Status.Addresses {
		switch a.Type {
		case corev1.NodeInternalIP:
			return a.Address
		case corev1.NodeExternalIP:
			if fallback == "" {
				fallback = a.Address
			}
		}
	}
	return fallback
}

func isControlPlane(n *corev1.Node) bool {
	for _, l := range controlPlaneLabels {
		if _, ok := n.Labels[l]; ok {
			return true
		}
	}
	return false
}

// detectProvider reads the cloud provider from the first node's providerID
// ("aws:///eu-west-1a/i-0abc" -> "aws").
func detectProvider(nodes []corev1.Node) string {
	for _, n := range nodes {
		if id := n.Spec.ProviderID; id != "" {
			if scheme, _, ok := strings.Cut(id, "://"); ok && scheme != "" {
				return scheme
			}
		}
	}
	return "generic"
}

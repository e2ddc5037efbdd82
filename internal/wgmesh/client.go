// Package wgmesh talks to a local wg-mesh daemon and turns its peers into
// candidate nodes.
package wgmesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
)

// Client provides a wrapper for communicating with the wg-mesh JSON-RPC API.
type Client struct {
	socketPath string
}

// NewClient creates a new wg-mesh client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// RPCRequest is a standard JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int            `json:"id"`
}

// RPCResponse is a standard JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("received error from wg-mesh: %s (code: %d)", e.Message, e.Code)
}

// PeerInfo represents the structure of a peer from the 'peers.list' method.
type PeerInfo struct {
	Name     string `json:"name"`
	PubKey   string `json:"pubkey"`
	MeshIP   string `json:"mesh_ip"`
	Endpoint string `json:"endpoint"`
	LastSeen string `json:"last_seen"`
}

// PeersListResult is the nested result for a 'peers.list' call.
type PeersListResult struct {
	Peers []*PeerInfo `json:"peers"`
}

// GetPeers fetches the list of peers.
func (c *Client) GetPeers(ctx context.Context) ([]*PeerInfo, error) {
	var res PeersListResult
	if err := c.call(ctx, "peers.list", &res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// call sends one newline-delimited request over a fresh connection and
// decodes the result into out. The context deadline bounds the exchange.
func (c *Client) call(ctx context.Context, method string, out any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("could not connect to wg-mesh socket at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reqBytes, err := json.Marshal(RPCRequest{JSONRPC: "2.0", Method: method, ID: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	if _, err := conn.Write(append(reqBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write to socket: %w", err)
	}

	resBytes, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var response RPCResponse
	if err := json.Unmarshal(resBytes, &response); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", method, err)
	}
	if response.Error != nil {
		return response.Error
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Candidates turns mesh peers into candidate nodes in peer order. A peer
// without a name is known by its public key; peers with neither are skipped,
// and a repeated name keeps its first peer. Mesh addresses lose their prefix
// length.
func Candidates(peers []*PeerInfo) []node.CandidateNode {
	seen := make(map[string]struct{}, len(peers))
	out := make([]node.CandidateNode, 0, len(peers))
	for _, p := range peers {
		if p == nil {
			continue
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = strings.TrimSpace(p.PubKey)
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, node.CandidateNode{Name: name, Address: meshAddress(p.MeshIP)})
	}
	return out
}

func meshAddress(ip string) string {
	if prefix, err := netip.ParsePrefix(ip); err == nil {
		return prefix.Addr().String()
	}
	return ip
}

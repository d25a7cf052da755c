package cluster_service

import (
	"context"
	"time"
)

const (
	RoleBackend = "backend"
	RoleGateway = "gateway"
)

// NodeStatus represents the liveness state of a node.
type NodeStatus int

const (
	NodeStatusUnknown NodeStatus = iota
	NodeStatusAlive
	NodeStatusSuspect
	NodeStatusDown
)

func (s NodeStatus) String() string {
	switch s {
	case NodeStatusAlive:
		return "Alive"
	case NodeStatusSuspect:
		return "Suspect"
	case NodeStatusDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// ClusterNode is the registered identity of a gateway or backend. It
// exists even while the node is offline.
type ClusterNode struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Role     string            `json:"role"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeLiveness is the ephemeral runtime state of a node.
type NodeLiveness struct {
	NodeID        string     `json:"nodeId"`
	Status        NodeStatus `json:"status"`
	LeaseID       int64      `json:"leaseId"`
	LastRenewedAt time.Time  `json:"lastRenewedAt"`
}

type SafeNode struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Role     string            `json:"role"`
	Status   NodeStatus        `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ClusterService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// RegisterNode announces node and keeps it alive until Stop.
	RegisterNode(node ClusterNode) error
	DeregisterNode(id string) error

	// GetHealthyNodes returns the nodes that are currently Alive.
	GetHealthyNodes() ([]SafeNode, error)

	// GetAllNodes returns every known node, regardless of status.
	GetAllNodes() ([]SafeNode, error)

	// Watch registers a callback run after every membership change.
	Watch(callback func())
}

// FilterRole keeps the nodes with the given role.
func FilterRole(nodes []SafeNode, role string) []SafeNode {
	out := make([]SafeNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

package network

import (
	"time"
)

// Node lifecycle status.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

// DefaultNodeTrustScore is assigned to simulated nodes created by
// InitializeNetwork. Registered nodes carry their own score.
const DefaultNodeTrustScore = 0.8

// VerificationNode is a member of the verification network.
type VerificationNode struct {
	NodeID       string     `json:"node_id" cbor:"node_id"`
	TrustScore   float64    `json:"trust_score" cbor:"trust_score"`
	Status       NodeStatus `json:"status" cbor:"status"`
	RegisteredAt time.Time  `json:"registered_at" cbor:"registered_at"`
}

// Clone returns a copy of the node.
func (n *VerificationNode) Clone() *VerificationNode {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// IsActive reports whether the node takes part in verification rounds.
func (n *VerificationNode) IsActive() bool {
	return n.Status == NodeStatusActive
}

package verification

import (
	"bytes"
	"time"
)

// Verification request lifecycle statuses. A timed out request is not
// terminal, collecting results after votes arrive still completes it.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusConflict = "conflict"
	StatusTimedOut = "timed_out"
)

// Network health reported by GetNetworkStatus.
const (
	NetworkOperational = "operational"
	NetworkDegraded    = "degraded"
)

type (
	// VerificationRequest tracks one execution output through sealing,
	// distribution and consensus collection.
	VerificationRequest struct {
		VerificationID string    `json:"verification_id" cbor:"verification_id"`
		SealID         string    `json:"seal_id" cbor:"seal_id"`
		ConsensusID    string    `json:"consensus_id" cbor:"consensus_id"`
		Output         []byte    `json:"output" cbor:"output"`
		Status         string    `json:"status" cbor:"status"`
		CreatedAt      time.Time `json:"created_at" cbor:"created_at"`
	}

	// Result is the outcome of collecting verification results for one
	// request. Until the first vote arrives only the status carries
	// information, the scores are meaningful once the status is final.
	Result struct {
		VerificationID      string     `json:"verification_id" cbor:"verification_id"`
		SealID              string     `json:"seal_id" cbor:"seal_id"`
		ConsensusID         string     `json:"consensus_id" cbor:"consensus_id"`
		Status              string     `json:"status" cbor:"status"`
		Message             string     `json:"message,omitempty" cbor:"message,omitempty"`
		TrustScore          float64    `json:"trust_score" cbor:"trust_score"`
		TrustRecordID       string     `json:"trust_record_id,omitempty" cbor:"trust_record_id,omitempty"`
		ConsensusPercentage float64    `json:"consensus_percentage" cbor:"consensus_percentage"`
		ConsensusResult     bool       `json:"consensus_result" cbor:"consensus_result"`
		NodeCount           int        `json:"node_count" cbor:"node_count"`
		CompletedAt         *time.Time `json:"completed_at,omitempty" cbor:"completed_at,omitempty"`
	}

	// NetworkStatus aggregates node and verification request counts.
	NetworkStatus struct {
		Status            string `json:"status"`
		TopologyID        string `json:"topology_id,omitempty"`
		NodeCount         int    `json:"node_count"`
		ActiveNodeCount   int    `json:"active_node_count"`
		VerificationCount int    `json:"verification_count"`
		VerifiedCount     int    `json:"verified_count"`
		ConflictCount     int    `json:"conflict_count"`
	}
)

// Clone returns a deep copy of the request.
func (r *VerificationRequest) Clone() *VerificationRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Output = bytes.Clone(r.Output)
	return &c
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

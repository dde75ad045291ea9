package consensus

import (
	"slices"
	"time"
)

// Seal verification status values derived from consensus records.
const (
	StatusVerified    = "verified"
	StatusNotVerified = "not_verified"
)

type (
	// NodeVote is a single node's verification verdict within a consensus record.
	NodeVote struct {
		NodeID             string    `json:"node_id" cbor:"node_id"`
		VerificationResult bool      `json:"verification_result" cbor:"verification_result"`
		Signature          string    `json:"signature" cbor:"signature"`
		JoinedAt           time.Time `json:"joined_at" cbor:"joined_at"`
	}

	// ConflictResolution records that a consensus round was split and, once
	// resolved, how the split was settled.
	ConflictResolution struct {
		ConflictDetected  bool       `json:"conflict_detected" cbor:"conflict_detected"`
		ResolutionMethod  string     `json:"resolution_method,omitempty" cbor:"resolution_method,omitempty"`
		ResolutionDetails string     `json:"resolution_details,omitempty" cbor:"resolution_details,omitempty"`
		ResolvedAt        *time.Time `json:"resolved_at,omitempty" cbor:"resolved_at,omitempty"`
	}

	// ContractMeta ties a consensus record to the verification contract
	// deployment it was produced under. Audit trail only, it does not take
	// part in any consensus math.
	ContractMeta struct {
		Version    string   `json:"version,omitempty" cbor:"version,omitempty"`
		ClauseTags []string `json:"clause_tags,omitempty" cbor:"clause_tags,omitempty"`
	}

	/*
		ConsensusRecord tallies node votes for one verification round of a seal.

		The record is owned by the consensus Service which recomputes the
		derived fields (ConsensusPercentage, ConsensusResult) after every
		accepted vote. Callers always receive a private copy.
	*/
	ConsensusRecord struct {
		ConsensusID         string              `json:"consensus_id" cbor:"consensus_id"`
		SealID              string              `json:"seal_id" cbor:"seal_id"`
		ParticipatingNodes  []NodeVote          `json:"participating_nodes" cbor:"participating_nodes"`
		ConsensusPercentage float64             `json:"consensus_percentage" cbor:"consensus_percentage"`
		ConsensusResult     bool                `json:"consensus_result" cbor:"consensus_result"`
		ConflictResolution  *ConflictResolution `json:"conflict_resolution,omitempty" cbor:"conflict_resolution,omitempty"`
		CreatedAt           time.Time           `json:"created_at" cbor:"created_at"`
		ContractMeta        *ContractMeta       `json:"contract_meta,omitempty" cbor:"contract_meta,omitempty"`
	}
)

// Clone returns a deep copy of the metadata, nil in nil out.
func (m *ContractMeta) Clone() *ContractMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.ClauseTags = slices.Clone(m.ClauseTags)
	return &c
}

// Clone returns a deep copy of the record.
func (r *ConsensusRecord) Clone() *ConsensusRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ParticipatingNodes = slices.Clone(r.ParticipatingNodes)
	if r.ConflictResolution != nil {
		cr := *r.ConflictResolution
		if r.ConflictResolution.ResolvedAt != nil {
			ts := *r.ConflictResolution.ResolvedAt
			cr.ResolvedAt = &ts
		}
		c.ConflictResolution = &cr
	}
	c.ContractMeta = r.ContractMeta.Clone()
	return &c
}

func (r *ConsensusRecord) hasVoted(nodeID string) bool {
	return slices.ContainsFunc(r.ParticipatingNodes, func(v NodeVote) bool { return v.NodeID == nodeID })
}

func (r *ConsensusRecord) agreeCount() int {
	cnt := 0
	for _, v := range r.ParticipatingNodes {
		if v.VerificationResult {
			cnt++
		}
	}
	return cnt
}

// recompute refreshes the derived consensus fields from the current votes.
// Majority of "true" verdicts passes the seal, ties fail it. The percentage
// is the share of the prevailing verdict, ie 0.5 means an even split while
// 1.0 means an unanimous round either way.
func (r *ConsensusRecord) recompute() {
	total := len(r.ParticipatingNodes)
	if total == 0 {
		r.ConsensusPercentage = 0
		r.ConsensusResult = false
		return
	}
	agree := r.agreeCount()
	disagree := total - agree
	r.ConsensusResult = agree > disagree
	r.ConsensusPercentage = float64(max(agree, disagree)) / float64(total)
}

// unanimous reports whether every cast vote carries the same verdict.
// An empty record is unanimous, there is nothing to disagree about yet.
func (r *ConsensusRecord) unanimous() bool {
	agree := r.agreeCount()
	return agree == 0 || agree == len(r.ParticipatingNodes)
}

package trust

import (
	"errors"
	"fmt"
	"maps"
)

/*
TrustBoundary is a named policy gate. An entity passes the boundary when its
effective score reaches MinTrustScore, it carries every required context at or
above the listed minimum and, when RequiredTier is set, its tier matches
exactly. VerificationFrequency is how often (seconds) passing entities are
expected to be re-verified, zero means on demand only.
*/
type TrustBoundary struct {
	BoundaryID            string             `json:"boundary_id" cbor:"boundary_id"`
	MinTrustScore         float64            `json:"min_trust_score" cbor:"min_trust_score"`
	RequiredContexts      map[string]float64 `json:"required_contexts,omitempty" cbor:"required_contexts,omitempty"`
	RequiredTier          string             `json:"required_tier,omitempty" cbor:"required_tier,omitempty"`
	VerificationFrequency int64              `json:"verification_frequency" cbor:"verification_frequency"`
}

// IsValid returns the reason the boundary is malformed, nil when it is not.
func (b *TrustBoundary) IsValid() error {
	if b == nil {
		return errors.New("boundary is nil")
	}
	if b.BoundaryID == "" {
		return errors.New("boundary id is empty")
	}
	if !validScore(b.MinTrustScore) {
		return fmt.Errorf("min trust score %v is outside [0..1]", b.MinTrustScore)
	}
	for name, minScore := range b.RequiredContexts {
		if !validScore(minScore) {
			return fmt.Errorf("required score %v of context %q is outside [0..1]", minScore, name)
		}
	}
	if b.VerificationFrequency < 0 {
		return fmt.Errorf("verification frequency %d is negative", b.VerificationFrequency)
	}
	return nil
}

// Clone returns a deep copy of the boundary.
func (b *TrustBoundary) Clone() *TrustBoundary {
	if b == nil {
		return nil
	}
	c := *b
	c.RequiredContexts = maps.Clone(b.RequiredContexts)
	return &c
}

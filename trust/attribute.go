package trust

import (
	"fmt"
	"maps"
	"slices"
)

// Verification status of a trust attribute.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusVerified   VerificationStatus = "verified"
	StatusInherited  VerificationStatus = "inherited"
)

/*
TrustAttribute is the trust profile of an entity. BaseScore is the entity's
own trust, InheritanceChain lists the direct parents the entity inherits
trust from (in registration order). The combined effective score derived
from the ancestry is kept by the store, not here.
*/
type TrustAttribute struct {
	EntityID           string             `json:"entity_id" cbor:"entity_id"`
	BaseScore          float64            `json:"base_score" cbor:"base_score"`
	ContextScores      map[string]float64 `json:"context_scores,omitempty" cbor:"context_scores,omitempty"`
	InheritanceChain   []string           `json:"inheritance_chain" cbor:"inheritance_chain"`
	Tier               string             `json:"tier,omitempty" cbor:"tier,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status" cbor:"verification_status"`
}

// Clone returns a deep copy of the attribute.
func (a *TrustAttribute) Clone() *TrustAttribute {
	if a == nil {
		return nil
	}
	c := *a
	c.ContextScores = maps.Clone(a.ContextScores)
	c.InheritanceChain = slices.Clone(a.InheritanceChain)
	return &c
}

// CycleError is returned when registering an inheritance link would make an
// entity its own ancestor. Inheritance must stay acyclic, the error is
// raised when the edge is added, not when the chain is walked.
type CycleError struct {
	ParentID string
	ChildID  string
}

func (e *CycleError) Error() string {
	if e.ParentID == e.ChildID {
		return fmt.Sprintf("entity %q can't inherit from itself", e.ChildID)
	}
	return fmt.Sprintf("inheritance from %q to %q would create a cycle", e.ParentID, e.ChildID)
}

// validScore reports whether v is a valid trust score, ie in [0..1].
func validScore(v float64) bool {
	return v >= 0 && v <= 1
}

package trust

import (
	"fmt"
	"time"
)

/*
VerificationResult is the outcome of one trust verification call. Failed
checks are results too, Verified false with the reasons listed in
VerificationErrors, so the audit history captures them alongside the passes.
Immutable once produced.
*/
type VerificationResult struct {
	EntityID            string         `json:"entity_id" cbor:"entity_id"`
	Verified            bool           `json:"verified" cbor:"verified"`
	ConfidenceScore     float64        `json:"confidence_score" cbor:"confidence_score"`
	VerificationTime    time.Time      `json:"verification_time" cbor:"verification_time"`
	VerificationDetails map[string]any `json:"verification_details,omitempty" cbor:"verification_details,omitempty"`
	VerificationErrors  []string       `json:"verification_errors,omitempty" cbor:"verification_errors,omitempty"`
}

func (r *VerificationResult) failf(format string, args ...any) *VerificationResult {
	r.Verified = false
	r.VerificationErrors = append(r.VerificationErrors, fmt.Sprintf(format, args...))
	return r
}

/*
confidenceScore maps the margin between the effective score and the
requirement into [0..1]. Zero margin is coin toss confidence 0.5, every
point of margin moves it half a point. A fully verified ancestry is worth
a bump of 0.1, capped at certainty.
*/
func confidenceScore(margin float64, ancestryVerified bool) float64 {
	c := 0.5 + margin/2
	if ancestryVerified {
		c += 0.1
	}
	return max(0, min(1, c))
}

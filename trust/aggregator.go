package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Aggregate is the trust weighted outcome of one vote collection round.
type Aggregate struct {
	TrustRecordID string  `json:"trust_record_id" cbor:"trust_record_id"`
	TrustScore    float64 `json:"trust_score" cbor:"trust_score"`
}

/*
AggregationService folds per-node verification votes into a single trust
score. Each vote is weighted by the voting node's trust, a positive verdict
contributes the node's trust to the score and a negative verdict counts
against it with the same weight.
*/
type AggregationService struct {
	log *slog.Logger
}

func NewAggregationService(obs Observability) *AggregationService {
	return &AggregationService{log: obs.Logger()}
}

/*
AggregateVerificationResults computes the trust weighted mean of the votes,
the sum of the trust of positively voting nodes over the total trust of all
voting nodes. A node missing from nodeTrusts votes with zero weight. Every
aggregate gets a fresh trust record id.
*/
func (s *AggregationService) AggregateVerificationResults(ctx context.Context, votes map[string]bool, nodeTrusts map[string]float64) (*Aggregate, error) {
	if len(votes) == 0 {
		return nil, errors.New("no votes to aggregate")
	}

	var total, positive float64
	for nodeID, verified := range votes {
		trust := nodeTrusts[nodeID]
		total += trust
		if verified {
			positive += trust
		}
	}
	score := 0.0
	if total > 0 {
		score = positive / total
	}

	agg := &Aggregate{
		TrustRecordID: uuid.NewString(),
		TrustScore:    score,
	}
	s.log.DebugContext(ctx, fmt.Sprintf("aggregated %d votes into trust score %.3f", len(votes), score))
	return agg, nil
}

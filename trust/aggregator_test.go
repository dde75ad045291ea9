package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriseal-org/veriseal/internal/testutils/observability"
)

func Test_AggregationService_AggregateVerificationResults(t *testing.T) {
	ctx := context.Background()
	svc := NewAggregationService(observability.Default(t))

	t.Run("no votes", func(t *testing.T) {
		agg, err := svc.AggregateVerificationResults(ctx, nil, nil)
		require.EqualError(t, err, "no votes to aggregate")
		require.Nil(t, agg)
	})

	t.Run("unanimous positive", func(t *testing.T) {
		agg, err := svc.AggregateVerificationResults(ctx,
			map[string]bool{"n1": true, "n2": true},
			map[string]float64{"n1": 0.8, "n2": 0.6})
		require.NoError(t, err)
		require.InDelta(t, 1.0, agg.TrustScore, 0)
		require.NotEmpty(t, agg.TrustRecordID)
	})

	t.Run("trust weighted mean", func(t *testing.T) {
		// yes from the 0.9 node, no from the 0.3 node: 0.9 / 1.2
		agg, err := svc.AggregateVerificationResults(ctx,
			map[string]bool{"strong": true, "weak": false},
			map[string]float64{"strong": 0.9, "weak": 0.3})
		require.NoError(t, err)
		require.InDelta(t, 0.75, agg.TrustScore, 1e-9)
	})

	t.Run("node without a known trust has no weight", func(t *testing.T) {
		agg, err := svc.AggregateVerificationResults(ctx,
			map[string]bool{"known": false, "unknown": true},
			map[string]float64{"known": 0.5})
		require.NoError(t, err)
		require.InDelta(t, 0, agg.TrustScore, 0)
	})

	t.Run("all weights zero", func(t *testing.T) {
		agg, err := svc.AggregateVerificationResults(ctx,
			map[string]bool{"n1": true},
			map[string]float64{})
		require.NoError(t, err)
		require.InDelta(t, 0, agg.TrustScore, 0)
	})

	t.Run("fresh record id per aggregation", func(t *testing.T) {
		votes := map[string]bool{"n1": true}
		trusts := map[string]float64{"n1": 0.5}
		a1, err := svc.AggregateVerificationResults(ctx, votes, trusts)
		require.NoError(t, err)
		a2, err := svc.AggregateVerificationResults(ctx, votes, trusts)
		require.NoError(t, err)
		require.NotEqual(t, a1.TrustRecordID, a2.TrustRecordID)
	})
}

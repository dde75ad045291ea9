package rpc

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriseal-org/veriseal/trust"
)

// trustEntityView mirrors the entity representation the trust endpoints
// return.
type trustEntityView struct {
	trust.TrustAttribute
	EffectiveScore float64 `json:"effective_score"`
}

func (b *testBackend) registerEntity(t *testing.T, entityID string, baseScore float64) trustEntityView {
	t.Helper()
	recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", map[string]any{
		"entity_id":  entityID,
		"base_score": baseScore,
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	view := trustEntityView{}
	decodeBody(t, recorder, &view)
	return view
}

func Test_TrustEndpoints_Entities(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", "{oops")
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Contains(t, recorder.Body.String(), "parsing request body")
	})

	t.Run("invalid base score", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", map[string]any{
			"entity_id":  "entity-1",
			"base_score": 1.5,
		})
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Contains(t, recorder.Body.String(), "outside [0..1]")
	})

	t.Run("registers", func(t *testing.T) {
		b := newTestBackend(t)
		view := b.registerEntity(t, "entity-1", 0.9)
		require.Equal(t, "entity-1", view.EntityID)
		require.Equal(t, 0.9, view.BaseScore)
		require.Equal(t, 0.9, view.EffectiveScore)
		require.Equal(t, trust.StatusUnverified, view.VerificationStatus)
	})

	t.Run("duplicate entity", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", map[string]any{
			"entity_id":  "entity-1",
			"base_score": 0.5,
		})
		require.Equal(t, http.StatusConflict, recorder.Code)
	})

	t.Run("unknown ancestor", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", map[string]any{
			"entity_id":         "entity-1",
			"base_score":        0.9,
			"inheritance_chain": []string{"missing"},
		})
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("registration with chain synchronizes", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "parent", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities", map[string]any{
			"entity_id":         "child",
			"base_score":        0.7,
			"inheritance_chain": []string{"parent"},
		})
		require.Equal(t, http.StatusCreated, recorder.Code)
		view := trustEntityView{}
		decodeBody(t, recorder, &view)
		require.Equal(t, []string{"parent"}, view.InheritanceChain)
		require.InDelta(t, (0.7+0.5*0.9)/1.5, view.EffectiveScore, 1e-9)
		require.Equal(t, trust.StatusInherited, view.VerificationStatus)
	})

	t.Run("get unknown", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodGet, "/api/v1/trust/entities/ghost", nil)
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("get", func(t *testing.T) {
		b := newTestBackend(t)
		registered := b.registerEntity(t, "entity-1", 0.8)
		recorder := b.do(t, http.MethodGet, "/api/v1/trust/entities/entity-1", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		view := trustEntityView{}
		decodeBody(t, recorder, &view)
		require.Equal(t, registered, view)
	})
}

func Test_TrustEndpoints_Inheritance(t *testing.T) {
	t.Run("unknown entity", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "parent", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/inheritance", map[string]any{
			"parent_id": "parent",
			"child_id":  "ghost",
		})
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("registers and synchronizes", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "parent", 0.9)
		b.registerEntity(t, "child", 0.7)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/inheritance", map[string]any{
			"parent_id": "parent",
			"child_id":  "child",
		})
		require.Equal(t, http.StatusOK, recorder.Code)
		view := trustEntityView{}
		decodeBody(t, recorder, &view)
		require.Equal(t, "child", view.EntityID)
		require.Equal(t, []string{"parent"}, view.InheritanceChain)
		require.InDelta(t, (0.7+0.5*0.9)/1.5, view.EffectiveScore, 1e-9)
	})

	t.Run("cycle", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "parent", 0.9)
		b.registerEntity(t, "child", 0.7)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/inheritance", map[string]any{
			"parent_id": "parent",
			"child_id":  "child",
		})
		require.Equal(t, http.StatusOK, recorder.Code)

		recorder = b.do(t, http.MethodPost, "/api/v1/trust/inheritance", map[string]any{
			"parent_id": "child",
			"child_id":  "parent",
		})
		require.Equal(t, http.StatusConflict, recorder.Code)
		require.Contains(t, recorder.Body.String(), "cycle")
	})

	t.Run("synchronize endpoint recomputes", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "parent", 0.9)
		b.registerEntity(t, "child", 0.7)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/inheritance", map[string]any{
			"parent_id": "parent",
			"child_id":  "child",
		})
		require.Equal(t, http.StatusOK, recorder.Code)

		recorder = b.do(t, http.MethodPost, "/api/v1/trust/entities/child/synchronize", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		view := trustEntityView{}
		decodeBody(t, recorder, &view)
		require.InDelta(t, (0.7+0.5*0.9)/1.5, view.EffectiveScore, 1e-9)

		recorder = b.do(t, http.MethodPost, "/api/v1/trust/entities/ghost/synchronize", nil)
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})
}

func Test_TrustEndpoints_Verify(t *testing.T) {
	t.Run("unregistered entity fails the check", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities/ghost/verify", map[string]any{"required_level": 0.5})
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &trust.VerificationResult{}
		decodeBody(t, recorder, res)
		require.False(t, res.Verified)
		require.Contains(t, fmt.Sprint(res.VerificationErrors), "not registered")
	})

	t.Run("invalid required level fails the check", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities/entity-1/verify", map[string]any{"required_level": 1.5})
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &trust.VerificationResult{}
		decodeBody(t, recorder, res)
		require.False(t, res.Verified)
		require.Contains(t, fmt.Sprint(res.VerificationErrors), "outside [0..1]")
	})

	t.Run("verifies", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities/entity-1/verify", map[string]any{"required_level": 0.6})
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &trust.VerificationResult{}
		decodeBody(t, recorder, res)
		require.True(t, res.Verified)
		require.Equal(t, 0.9, res.VerificationDetails["actual_score"])
		require.Empty(t, res.VerificationErrors)
	})
}

func Test_TrustEndpoints_Boundaries(t *testing.T) {
	boundary := map[string]any{
		"boundary_id":     "boundary-1",
		"min_trust_score": 0.6,
	}

	t.Run("invalid boundary", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries", map[string]any{
			"boundary_id":     "boundary-1",
			"min_trust_score": 1.5,
		})
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Contains(t, recorder.Body.String(), "outside [0..1]")
	})

	t.Run("registers and reads back", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries", boundary)
		require.Equal(t, http.StatusCreated, recorder.Code)

		recorder = b.do(t, http.MethodGet, "/api/v1/trust/boundaries/boundary-1", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		stored := &trust.TrustBoundary{}
		decodeBody(t, recorder, stored)
		require.Equal(t, &trust.TrustBoundary{BoundaryID: "boundary-1", MinTrustScore: 0.6}, stored)
	})

	t.Run("get unknown", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodGet, "/api/v1/trust/boundaries/ghost", nil)
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("enforce unknown boundary", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries/ghost/enforce", map[string]any{"entity_id": "entity-1"})
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("enforce passes", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries", boundary)
		require.Equal(t, http.StatusCreated, recorder.Code)

		recorder = b.do(t, http.MethodPost, "/api/v1/trust/boundaries/boundary-1/enforce", map[string]any{"entity_id": "entity-1"})
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &trust.VerificationResult{}
		decodeBody(t, recorder, res)
		require.True(t, res.Verified)
		require.Equal(t, "boundary-1", res.VerificationDetails["boundary_id"])
	})

	t.Run("enforce fails below minimum", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.4)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries", boundary)
		require.Equal(t, http.StatusCreated, recorder.Code)

		recorder = b.do(t, http.MethodPost, "/api/v1/trust/boundaries/boundary-1/enforce", map[string]any{"entity_id": "entity-1"})
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &trust.VerificationResult{}
		decodeBody(t, recorder, res)
		require.False(t, res.Verified)
		require.Less(t,
			res.VerificationDetails["actual_score"].(float64),
			res.VerificationDetails["required_score"].(float64))
	})

	t.Run("verify all", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		recorder := b.do(t, http.MethodPost, "/api/v1/trust/boundaries", boundary)
		require.Equal(t, http.StatusCreated, recorder.Code)

		recorder = b.do(t, http.MethodGet, "/api/v1/trust/entities/entity-1/boundaries", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		results := map[string]*trust.VerificationResult{}
		decodeBody(t, recorder, &results)
		require.Len(t, results, 1)
		require.True(t, results["boundary-1"].Verified)
	})
}

func Test_TrustEndpoints_Audit(t *testing.T) {
	t.Run("no history", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodGet, "/api/v1/trust/entities/ghost/audit", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		var history []*trust.VerificationResult
		decodeBody(t, recorder, &history)
		require.Empty(t, history)
	})

	t.Run("captures passes and failures", func(t *testing.T) {
		b := newTestBackend(t)
		b.registerEntity(t, "entity-1", 0.9)
		for _, level := range []float64{0.6, 0.95} {
			recorder := b.do(t, http.MethodPost, "/api/v1/trust/entities/entity-1/verify", map[string]any{"required_level": level})
			require.Equal(t, http.StatusOK, recorder.Code)
		}

		recorder := b.do(t, http.MethodGet, "/api/v1/trust/entities/entity-1/audit", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		var history []*trust.VerificationResult
		decodeBody(t, recorder, &history)
		require.Len(t, history, 2)
		require.True(t, history[0].Verified)
		require.False(t, history[1].Verified)
	})
}

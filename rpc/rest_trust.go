package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/veriseal-org/veriseal/trust"
)

type (
	// entityRegistry is the part of the trust attribute store the REST
	// handlers manage.
	entityRegistry interface {
		RegisterEntity(attr *trust.TrustAttribute) error
		RegisterInheritanceRelationship(parentID, childID string) error
		SynchronizeAttributes(entityID string) (float64, error)
		GetEntity(entityID string) (*trust.TrustAttribute, error)
		GetEffectiveScore(entityID string) (float64, error)
	}

	trustVerifier interface {
		VerifyTrustLevel(ctx context.Context, entityID string, requiredLevel float64) (*trust.VerificationResult, error)
		EnforceTrustBoundary(ctx context.Context, entityID string, boundary *trust.TrustBoundary) (*trust.VerificationResult, error)
		RegisterTrustBoundary(ctx context.Context, boundary *trust.TrustBoundary) error
		GetTrustBoundary(boundaryID string) (*trust.TrustBoundary, error)
		VerifyAllBoundaries(ctx context.Context, entityID string) (map[string]*trust.VerificationResult, error)
		AuditTrustVerification(entityID string) ([]*trust.VerificationResult, error)
	}

	entityView struct {
		*trust.TrustAttribute
		EffectiveScore float64 `json:"effective_score"`
	}

	inheritanceRequest struct {
		ParentID string `json:"parent_id"`
		ChildID  string `json:"child_id"`
	}

	verifyLevelRequest struct {
		RequiredLevel float64 `json:"required_level"`
	}

	enforceBoundaryRequest struct {
		EntityID string `json:"entity_id"`
	}
)

// TrustEndpoints exposes the trust attribute registry and the trust
// verification system.
func TrustEndpoints(entities entityRegistry, verifier trustVerifier, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()

		r.HandleFunc("/trust/entities", registerEntity(entities, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/trust/entities/{entityId}", getEntity(entities, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/trust/entities/{entityId}/synchronize", synchronizeEntity(entities, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/trust/entities/{entityId}/verify", verifyTrustLevel(verifier, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/trust/entities/{entityId}/boundaries", verifyAllBoundaries(verifier, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/trust/entities/{entityId}/audit", getAuditHistory(verifier, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/trust/inheritance", registerInheritance(entities, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/trust/boundaries", registerBoundary(verifier, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/trust/boundaries/{boundaryId}", getBoundary(verifier, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/trust/boundaries/{boundaryId}/enforce", enforceBoundary(verifier, log)).Methods(http.MethodPost, http.MethodOptions)
	}
}

func registerEntity(entities entityRegistry, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		attr := &trust.TrustAttribute{}
		if err := json.NewDecoder(r.Body).Decode(attr); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		if err := entities.RegisterEntity(attr); err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusBadRequest), err, log)
			return
		}
		if len(attr.InheritanceChain) > 0 {
			if _, err := entities.SynchronizeAttributes(attr.EntityID); err != nil {
				writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
				return
			}
		}
		view, err := loadEntityView(entities, attr.EntityID)
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusCreated, view, log)
	}
}

func getEntity(entities entityRegistry, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := loadEntityView(entities, mux.Vars(r)["entityId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, view, log)
	}
}

func registerInheritance(entities entityRegistry, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		req := &inheritanceRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		if err := entities.RegisterInheritanceRelationship(req.ParentID, req.ChildID); err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusBadRequest), err, log)
			return
		}
		if _, err := entities.SynchronizeAttributes(req.ChildID); err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		view, err := loadEntityView(entities, req.ChildID)
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, view, log)
	}
}

func synchronizeEntity(entities entityRegistry, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := entities.SynchronizeAttributes(mux.Vars(r)["entityId"]); err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		view, err := loadEntityView(entities, mux.Vars(r)["entityId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, view, log)
	}
}

func verifyTrustLevel(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		req := &verifyLevelRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		res, err := verifier.VerifyTrustLevel(r.Context(), mux.Vars(r)["entityId"], req.RequiredLevel)
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func verifyAllBoundaries(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := verifier.VerifyAllBoundaries(r.Context(), mux.Vars(r)["entityId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func getAuditHistory(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := verifier.AuditTrustVerification(mux.Vars(r)["entityId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, history, log)
	}
}

func registerBoundary(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		boundary := &trust.TrustBoundary{}
		if err := json.NewDecoder(r.Body).Decode(boundary); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		if err := verifier.RegisterTrustBoundary(r.Context(), boundary); err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusBadRequest), err, log)
			return
		}
		writeJSON(w, r, http.StatusCreated, boundary, log)
	}
}

func getBoundary(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		boundary, err := verifier.GetTrustBoundary(mux.Vars(r)["boundaryId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, boundary, log)
	}
}

func enforceBoundary(verifier trustVerifier, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		req := &enforceBoundaryRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		boundary, err := verifier.GetTrustBoundary(mux.Vars(r)["boundaryId"])
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		res, err := verifier.EnforceTrustBoundary(r.Context(), req.EntityID, boundary)
		if err != nil {
			writeError(w, r, trustErrStatus(err, http.StatusInternalServerError), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func loadEntityView(entities entityRegistry, entityID string) (*entityView, error) {
	attr, err := entities.GetEntity(entityID)
	if err != nil {
		return nil, err
	}
	score, err := entities.GetEffectiveScore(entityID)
	if err != nil {
		return nil, err
	}
	return &entityView{TrustAttribute: attr, EffectiveScore: score}, nil
}

// trustErrStatus maps trust package errors to HTTP status codes. Errors
// with no sentinel mapping get the fallback, the handlers pass 400 when the
// failed call validated a client supplied payload and 500 otherwise.
func trustErrStatus(err error, fallback int) int {
	var cycle *trust.CycleError
	switch {
	case errors.Is(err, trust.ErrEntityNotFound), errors.Is(err, trust.ErrBoundaryNotFound):
		return http.StatusNotFound
	case errors.Is(err, trust.ErrEntityRegistered), errors.As(err, &cycle):
		return http.StatusConflict
	}
	return fallback
}

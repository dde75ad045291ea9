package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/veriseal-org/veriseal/verification"
)

// verificationOrchestrator is the part of the verification pipeline the
// REST handlers drive.
type verificationOrchestrator interface {
	ProcessExecutionOutput(ctx context.Context, output []byte) (*verification.VerificationRequest, error)
	CollectVerificationResults(ctx context.Context, verificationID string) (*verification.Result, error)
	GetVerificationStatus(verificationID string) (*verification.Result, error)
	GetSealVerificationStatus(sealID string) (*verification.Result, error)
	GetNetworkStatus() *verification.NetworkStatus
}

type submitVerificationRequest struct {
	Output []byte `json:"output"`
}

// VerificationEndpoints exposes execution output submission and result
// polling.
func VerificationEndpoints(orchestrator verificationOrchestrator, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()

		r.HandleFunc("/verifications", submitExecutionOutput(orchestrator, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/verifications/{verificationId}", getVerificationStatus(orchestrator, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/verifications/{verificationId}/collect", collectVerificationResults(orchestrator, log)).Methods(http.MethodPost, http.MethodOptions)
	}
}

func submitExecutionOutput(orchestrator verificationOrchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		req := &submitVerificationRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}
		if len(req.Output) == 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("execution output is empty"), log)
			return
		}

		vr, err := orchestrator.ProcessExecutionOutput(r.Context(), req.Output)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err, log)
			return
		}
		writeJSON(w, r, http.StatusAccepted, vr, log)
	}
}

func getVerificationStatus(orchestrator verificationOrchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := orchestrator.GetVerificationStatus(mux.Vars(r)["verificationId"])
		if err != nil {
			writeError(w, r, statusOf(err), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func collectVerificationResults(orchestrator verificationOrchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := orchestrator.CollectVerificationResults(r.Context(), mux.Vars(r)["verificationId"])
		if err != nil {
			writeError(w, r, statusOf(err), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func statusOf(err error) int {
	if errors.Is(err, verification.ErrRequestNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

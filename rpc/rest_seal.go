package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/mux"

	"github.com/veriseal-org/veriseal/consensus"
	"github.com/veriseal-org/veriseal/network"
	"github.com/veriseal-org/veriseal/seal"
	"github.com/veriseal-org/veriseal/verification"
)

type (
	// voteRecorder accepts node votes and exposes the consensus records of
	// a seal.
	voteRecorder interface {
		AddVerificationResult(ctx context.Context, consensusID, nodeID string, verified bool, signature string) (*consensus.ConsensusRecord, error)
		GetConsensusBySeal(sealID string) []*consensus.ConsensusRecord
	}

	// signatureCollector assembles a threshold signature from the shares
	// submitted with the votes.
	signatureCollector interface {
		AddSignature(messageID, nodeID, signature string) error
		GenerateThresholdSignature(messageID string, totalNodes int) (string, bool)
	}

	// nodeRegistry resolves verification node data for the visualization.
	nodeRegistry interface {
		GetNode(nodeID string) (*network.VerificationNode, error)
		TotalNodes() int
	}

	// distributionReader exposes the delivery records of a seal.
	distributionReader interface {
		GetDistributionHistory(sealID string) []*seal.Distribution
	}

	sealVote struct {
		NodeID    string `json:"node_id"`
		Verified  bool   `json:"verified"`
		Signature string `json:"signature"`
	}

	sealVoteResponse struct {
		Record             *consensus.ConsensusRecord `json:"record"`
		ThresholdReached   bool                       `json:"threshold_reached"`
		ThresholdSignature string                     `json:"threshold_signature,omitempty"`
	}

	// trustVisualization is the per seal trust view, everything the
	// network decided about one seal in a single response.
	trustVisualization struct {
		TrustSummary        *verification.Result         `json:"trust_summary"`
		ConsensusRecords    []*consensus.ConsensusRecord `json:"consensus_records"`
		DistributionHistory []*seal.Distribution         `json:"distribution_history"`
		NodeData            []*network.VerificationNode  `json:"node_data"`
	}
)

// SealEndpoints exposes per seal status, vote submission and the trust
// visualization data.
func SealEndpoints(orchestrator verificationOrchestrator, votes voteRecorder, signatures signatureCollector, nodes nodeRegistry, distributions distributionReader, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()

		r.HandleFunc("/seals/{sealId}/status", getSealStatus(orchestrator, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/seals/{sealId}/votes", postSealVote(orchestrator, votes, signatures, nodes, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/seals/{sealId}/trust", getSealTrust(orchestrator, votes, nodes, distributions, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func getSealStatus(orchestrator verificationOrchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := orchestrator.GetSealVerificationStatus(mux.Vars(r)["sealId"])
		if err != nil {
			writeError(w, r, statusOf(err), err, log)
			return
		}
		writeJSON(w, r, http.StatusOK, res, log)
	}
}

func postSealVote(orchestrator verificationOrchestrator, votes voteRecorder, signatures signatureCollector, nodes nodeRegistry, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		vote := &sealVote{}
		if err := json.NewDecoder(r.Body).Decode(vote); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing request body: %w", err), log)
			return
		}

		res, err := orchestrator.GetSealVerificationStatus(mux.Vars(r)["sealId"])
		if err != nil {
			writeError(w, r, statusOf(err), err, log)
			return
		}
		if _, err := nodes.GetNode(vote.NodeID); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("resolving voting node: %w", err), log)
			return
		}

		rec, err := votes.AddVerificationResult(r.Context(), res.ConsensusID, vote.NodeID, vote.Verified, vote.Signature)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, consensus.ErrDuplicateVote):
				status = http.StatusConflict
			case errors.Is(err, consensus.ErrRecordNotFound):
				status = http.StatusNotFound
			}
			writeError(w, r, status, err, log)
			return
		}

		response := &sealVoteResponse{Record: rec}
		if vote.Signature != "" {
			// the duplicate vote gate above guarantees one share per node
			if err := signatures.AddSignature(rec.ConsensusID, vote.NodeID, vote.Signature); err != nil {
				writeError(w, r, http.StatusInternalServerError, fmt.Errorf("collecting signature share: %w", err), log)
				return
			}
			response.ThresholdSignature, response.ThresholdReached = signatures.GenerateThresholdSignature(rec.ConsensusID, nodes.TotalNodes())
		}
		writeJSON(w, r, http.StatusOK, response, log)
	}
}

func getSealTrust(orchestrator verificationOrchestrator, votes voteRecorder, nodes nodeRegistry, distributions distributionReader, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sealID := mux.Vars(r)["sealId"]

		summary, err := orchestrator.GetSealVerificationStatus(sealID)
		if err != nil {
			writeError(w, r, statusOf(err), err, log)
			return
		}

		view := &trustVisualization{
			TrustSummary:        summary,
			ConsensusRecords:    votes.GetConsensusBySeal(sealID),
			DistributionHistory: distributions.GetDistributionHistory(sealID),
		}
		for _, nodeID := range sealNodeIDs(view.ConsensusRecords, view.DistributionHistory) {
			node, err := nodes.GetNode(nodeID)
			if err != nil {
				continue
			}
			view.NodeData = append(view.NodeData, node)
		}
		writeJSON(w, r, http.StatusOK, view, log)
	}
}

// sealNodeIDs returns the sorted distinct ids of the nodes the seal was
// distributed to or which voted on it.
func sealNodeIDs(records []*consensus.ConsensusRecord, history []*seal.Distribution) []string {
	seen := map[string]struct{}{}
	for _, rec := range records {
		for _, vote := range rec.ParticipatingNodes {
			seen[vote.NodeID] = struct{}{}
		}
	}
	for _, dist := range history {
		seen[dist.NodeID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

package rpc

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/veriseal-org/veriseal/network"
)

// nodeLister exposes the node topology for the listing endpoint.
type nodeLister interface {
	GetAllNodes() []*network.VerificationNode
	TopologyID() string
}

type nodeListing struct {
	TopologyID string                      `json:"topology_id,omitempty"`
	Nodes      []*network.VerificationNode `json:"nodes"`
}

// NetworkEndpoints exposes the network status and node listing queries.
func NetworkEndpoints(orchestrator verificationOrchestrator, nodes nodeLister, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()

		r.HandleFunc("/network/status", getNetworkStatus(orchestrator, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/nodes", listNodes(nodes, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func getNetworkStatus(orchestrator verificationOrchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, orchestrator.GetNetworkStatus(), log)
	}
}

func listNodes(nodes nodeLister, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, &nodeListing{
			TopologyID: nodes.TopologyID(),
			Nodes:      nodes.GetAllNodes(),
		}, log)
	}
}

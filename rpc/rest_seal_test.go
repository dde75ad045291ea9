package rpc

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriseal-org/veriseal/verification"
)

func Test_SealEndpoints_Status(t *testing.T) {
	t.Run("unknown seal id", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodGet, "/api/v1/seals/no-such-seal/status", nil)
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("resolves the bound request", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 3)
		req := b.submit(t, []byte("output"))

		recorder := b.do(t, http.MethodGet, "/api/v1/seals/"+req.SealID+"/status", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		res := &verification.Result{}
		decodeBody(t, recorder, res)
		require.Equal(t, req.VerificationID, res.VerificationID)
		require.Equal(t, req.SealID, res.SealID)
		require.Equal(t, verification.StatusPending, res.Status)
	})
}

func Test_SealEndpoints_Votes(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		b := newTestBackend(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/seals/some-seal/votes", strings.NewReader("{oops"))
		recorder := httptest.NewRecorder()
		b.handler.ServeHTTP(recorder, req)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("unknown seal id", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodPost, "/api/v1/seals/no-such-seal/votes",
			&sealVote{NodeID: "node-1", Verified: true, Signature: "sig"})
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("unknown node", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 2)
		req := b.submit(t, []byte("output"))

		recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
			&sealVote{NodeID: "no-such-node", Verified: true, Signature: "sig"})
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		errRsp := &errorResponse{}
		decodeBody(t, recorder, errRsp)
		require.Contains(t, errRsp.Err, "resolving voting node")
	})

	t.Run("vote lands on the consensus record", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 2)
		req := b.submit(t, []byte("output"))
		voter := b.nodes.GetActiveNodes()[0]

		recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
			&sealVote{NodeID: voter.NodeID, Verified: true, Signature: "sig-1"})
		require.Equal(t, http.StatusOK, recorder.Code)
		rsp := &sealVoteResponse{}
		decodeBody(t, recorder, rsp)
		require.Equal(t, req.ConsensusID, rsp.Record.ConsensusID)
		require.Len(t, rsp.Record.ParticipatingNodes, 1)
		require.Equal(t, voter.NodeID, rsp.Record.ParticipatingNodes[0].NodeID)
		require.InDelta(t, 1.0, rsp.Record.ConsensusPercentage, 1e-9)
		// one share out of two nodes is below the default 2/3 quorum
		require.False(t, rsp.ThresholdReached)
		require.Empty(t, rsp.ThresholdSignature)
	})

	t.Run("quorum of shares assembles the threshold signature", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 3)
		req := b.submit(t, []byte("output"))
		voters := b.nodes.GetActiveNodes()[:2]

		recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
			&sealVote{NodeID: voters[0].NodeID, Verified: true, Signature: "sig-" + voters[0].NodeID})
		require.Equal(t, http.StatusOK, recorder.Code)
		rsp := &sealVoteResponse{}
		decodeBody(t, recorder, rsp)
		require.False(t, rsp.ThresholdReached)

		recorder = b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
			&sealVote{NodeID: voters[1].NodeID, Verified: true, Signature: "sig-" + voters[1].NodeID})
		require.Equal(t, http.StatusOK, recorder.Code)
		rsp = &sealVoteResponse{}
		decodeBody(t, recorder, rsp)
		require.True(t, rsp.ThresholdReached)
		ids := []string{voters[0].NodeID, voters[1].NodeID}
		slices.Sort(ids)
		require.Equal(t, "sig-"+ids[0]+"sig-"+ids[1], rsp.ThresholdSignature)
	})

	t.Run("unsigned vote contributes no share", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 2)
		req := b.submit(t, []byte("output"))
		voter := b.nodes.GetActiveNodes()[0]

		recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
			&sealVote{NodeID: voter.NodeID, Verified: true})
		require.Equal(t, http.StatusOK, recorder.Code)
		rsp := &sealVoteResponse{}
		decodeBody(t, recorder, rsp)
		require.Len(t, rsp.Record.ParticipatingNodes, 1)
		require.Zero(t, b.signatures.SignatureCount(req.ConsensusID))
	})

	t.Run("duplicate vote", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 2)
		req := b.submit(t, []byte("output"))
		voter := b.nodes.GetActiveNodes()[0]
		vote := &sealVote{NodeID: voter.NodeID, Verified: true, Signature: "sig-1"}

		require.Equal(t, http.StatusOK, b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes", vote).Code)
		recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes", vote)
		require.Equal(t, http.StatusConflict, recorder.Code)
	})
}

func Test_SealEndpoints_Trust(t *testing.T) {
	t.Run("unknown seal id", func(t *testing.T) {
		b := newTestBackend(t)
		recorder := b.do(t, http.MethodGet, "/api/v1/seals/no-such-seal/trust", nil)
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("aggregates the seal's trust view", func(t *testing.T) {
		b := newTestBackend(t)
		b.initNetwork(t, 3)
		req := b.submit(t, []byte("output"))
		for _, node := range b.nodes.GetActiveNodes() {
			recorder := b.do(t, http.MethodPost, "/api/v1/seals/"+req.SealID+"/votes",
				&sealVote{NodeID: node.NodeID, Verified: true, Signature: "sig-" + node.NodeID})
			require.Equal(t, http.StatusOK, recorder.Code)
		}
		collect := b.do(t, http.MethodPost, "/api/v1/verifications/"+req.VerificationID+"/collect", nil)
		require.Equal(t, http.StatusOK, collect.Code)

		recorder := b.do(t, http.MethodGet, "/api/v1/seals/"+req.SealID+"/trust", nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		view := &trustVisualization{}
		decodeBody(t, recorder, view)

		require.Equal(t, verification.StatusVerified, view.TrustSummary.Status)
		require.InDelta(t, 1.0, view.TrustSummary.TrustScore, 1e-9)
		require.Len(t, view.ConsensusRecords, 1)
		require.Len(t, view.ConsensusRecords[0].ParticipatingNodes, 3)
		require.Len(t, view.DistributionHistory, 3)
		require.Len(t, view.NodeData, 3)
	})
}

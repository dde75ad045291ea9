package consensus

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// DefaultThresholdRatio is the fraction of network nodes that has to sign a
// message before a threshold signature can be assembled. The exact fraction
// matters, 2 signatures out of 3 nodes must reach it.
const DefaultThresholdRatio = 2.0 / 3.0

var ErrDuplicateSignature = errors.New("node has already signed the message")

type (
	/*
		SignatureAggregator collects per-node signature shares of seal
		verification messages and assembles them into a threshold signature
		once enough shares are in.

		Signatures here are opaque attestation strings produced by the
		verification nodes, the aggregator never interprets them. Safe for
		concurrent use.
	*/
	SignatureAggregator struct {
		mu     sync.RWMutex
		ratio  float64
		states map[string]*signatureState
	}

	signatureState struct {
		signatures map[string]string // node id -> signature share
		aggregate  string
		assembled  bool
	}
)

// NewSignatureAggregator creates an aggregator which requires ratio (0,1]
// of the network to sign before a threshold signature is assembled.
func NewSignatureAggregator(ratio float64) (*SignatureAggregator, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("invalid threshold ratio %v, must be in (0..1]", ratio)
	}
	return &SignatureAggregator{
		ratio:  ratio,
		states: map[string]*signatureState{},
	}, nil
}

/*
AddSignature registers the signature share of the node for the given message.
A node gets one share per message, repeated calls return ErrDuplicateSignature
and leave the already registered share as is.
*/
func (a *SignatureAggregator) AddSignature(messageID, nodeID, signature string) error {
	if messageID == "" {
		return errors.New("message id is empty")
	}
	if nodeID == "" {
		return errors.New("node id is empty")
	}
	if signature == "" {
		return errors.New("signature is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[messageID]
	if !ok {
		state = &signatureState{signatures: map[string]string{}}
		a.states[messageID] = state
	}
	if _, ok := state.signatures[nodeID]; ok {
		return fmt.Errorf("message %q node %q: %w", messageID, nodeID, ErrDuplicateSignature)
	}
	state.signatures[nodeID] = signature
	return nil
}

// CheckThreshold reports whether the collected signature shares of the
// message cover the required fraction of a network of totalNodes nodes.
func (a *SignatureAggregator) CheckThreshold(messageID string, totalNodes int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.states[messageID]
	if !ok || totalNodes <= 0 {
		return false
	}
	return float64(len(state.signatures))/float64(totalNodes) >= a.ratio
}

/*
GenerateThresholdSignature assembles the threshold signature of the message
from the collected shares, provided the threshold is met for a network of
totalNodes nodes. Returns false when it is not.

The aggregate is the concatenation of the shares in node ID order. It is
assembled at most once, subsequent calls return the cached value even if
more shares have arrived since.
*/
func (a *SignatureAggregator) GenerateThresholdSignature(messageID string, totalNodes int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[messageID]
	if !ok {
		return "", false
	}
	if state.assembled {
		return state.aggregate, true
	}
	if totalNodes <= 0 || float64(len(state.signatures))/float64(totalNodes) < a.ratio {
		return "", false
	}

	sb := strings.Builder{}
	for _, nodeID := range slices.Sorted(maps.Keys(state.signatures)) {
		sb.WriteString(state.signatures[nodeID])
	}
	state.aggregate = sb.String()
	state.assembled = true
	return state.aggregate, true
}

// GetThresholdSignature returns the assembled threshold signature of the
// message. It never assembles one itself, before a successful
// GenerateThresholdSignature call it returns false.
func (a *SignatureAggregator) GetThresholdSignature(messageID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.states[messageID]
	if !ok || !state.assembled {
		return "", false
	}
	return state.aggregate, true
}

// SignatureCount returns the number of shares collected for the message.
func (a *SignatureAggregator) SignatureCount(messageID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.states[messageID]
	if !ok {
		return 0
	}
	return len(state.signatures)
}

// Drop releases all state held for the message. Meant for cleaning up after
// messages which timed out and will not be signed anymore.
func (a *SignatureAggregator) Drop(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, messageID)
}

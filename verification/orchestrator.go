package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/veriseal-org/veriseal/consensus"
	"github.com/veriseal-org/veriseal/keyvaluedb"
	"github.com/veriseal-org/veriseal/logger"
	"github.com/veriseal-org/veriseal/network"
	"github.com/veriseal-org/veriseal/observability"
	"github.com/veriseal-org/veriseal/seal"
	"github.com/veriseal-org/veriseal/trust"
)

// DefaultPendingTTL is how long a verification request may stay pending
// before the expiry sweep marks it timed out.
const DefaultPendingTTL = 10 * time.Minute

var ErrRequestNotFound = errors.New("verification request not found")

type (
	// SealGenerator produces seals over execution outputs.
	SealGenerator interface {
		GenerateSeal(ctx context.Context, output []byte) (*seal.Seal, error)
	}

	// SealDistributor queues seals and hands them to verification nodes.
	SealDistributor interface {
		QueueSealForDistribution(ctx context.Context, sealID string) error
		DistributeSeal(ctx context.Context, sealID string, nodeIDs []string) ([]*seal.Distribution, error)
	}

	// NodeManager is the verification node registry.
	NodeManager interface {
		InitializeNetwork(ctx context.Context, nodeCount int) (string, error)
		GetNode(nodeID string) (*network.VerificationNode, error)
		GetActiveNodes() []*network.VerificationNode
		TotalNodes() int
		ActiveNodeCount() int
		TopologyID() string
	}

	// ConsensusManager owns the consensus records votes land on.
	ConsensusManager interface {
		CreateConsensusRecord(ctx context.Context, sealID string) (*consensus.ConsensusRecord, error)
		GetConsensusRecord(consensusID string) (*consensus.ConsensusRecord, error)
		DetectConflicts(ctx context.Context, consensusID string) (bool, error)
	}

	// TrustAggregator folds node votes and node trust scores into an
	// aggregate trust score.
	TrustAggregator interface {
		AggregateVerificationResults(ctx context.Context, votes map[string]bool, nodeTrusts map[string]float64) (*trust.Aggregate, error)
	}

	// Clock is the synchronized timestamp source stamped on requests and
	// results.
	Clock interface {
		Timestamp() time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	/*
		Orchestrator drives an execution output through the verification
		pipeline. Processing an output seals it, distributes the seal to
		the active nodes and opens a consensus record; collecting results
		is a non-blocking poll which aggregates the votes received so far
		into an authoritative verification result once at least one vote
		is in. Requests and results survive restarts.
	*/
	Orchestrator struct {
		sealer           SealGenerator
		distributor      SealDistributor
		nodes            NodeManager
		consensusManager ConsensusManager
		aggregator       TrustAggregator
		clock            Clock

		mu       sync.RWMutex
		requests map[string]*VerificationRequest
		results  map[string]*Result
		bySeal   map[string]string
		store    *requestStore
		ttl      time.Duration

		log    *slog.Logger
		tracer trace.Tracer

		mResults metric.Int64Counter
	}

	Option func(*Orchestrator)
)

// WithPendingTTL overrides how long a request may stay pending before the
// expiry sweep marks it timed out.
func WithPendingTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.ttl = ttl
	}
}

func NewOrchestrator(
	sealer SealGenerator,
	distributor SealDistributor,
	nodes NodeManager,
	consensusManager ConsensusManager,
	aggregator TrustAggregator,
	db keyvaluedb.KeyValueDB,
	clock Clock,
	obs Observability,
	opts ...Option,
) (*Orchestrator, error) {
	if sealer == nil {
		return nil, errors.New("seal generator is nil")
	}
	if distributor == nil {
		return nil, errors.New("seal distributor is nil")
	}
	if nodes == nil {
		return nil, errors.New("node manager is nil")
	}
	if consensusManager == nil {
		return nil, errors.New("consensus service is nil")
	}
	if aggregator == nil {
		return nil, errors.New("trust aggregator is nil")
	}
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}
	store, err := newRequestStore(db)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		sealer:           sealer,
		distributor:      distributor,
		nodes:            nodes,
		consensusManager: consensusManager,
		aggregator:       aggregator,
		clock:            clock,
		requests:         map[string]*VerificationRequest{},
		results:          map[string]*Result{},
		bySeal:           map[string]string{},
		store:            store,
		ttl:              DefaultPendingTTL,
		log:              obs.Logger(),
		tracer:           obs.Tracer("verification"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ttl <= 0 {
		return nil, fmt.Errorf("pending TTL must be greater than zero, got %s", o.ttl)
	}

	stored, err := store.loadAll()
	if err != nil {
		return nil, fmt.Errorf("loading verification requests: %w", err)
	}
	for _, sv := range stored {
		o.requests[sv.Request.VerificationID] = sv.Request
		o.bySeal[sv.Request.SealID] = sv.Request.VerificationID
		if sv.Result != nil {
			o.results[sv.Request.VerificationID] = sv.Result
		}
	}

	if err := o.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return o, nil
}

func (o *Orchestrator) initMetrics(obs Observability) (err error) {
	m := obs.Meter("verification")

	if _, err = m.Int64ObservableUpDownCounter(
		"requests.pending",
		metric.WithDescription("Number of verification requests waiting for results."),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			o.mu.RLock()
			defer o.mu.RUnlock()
			pending := 0
			for _, req := range o.requests {
				if req.Status == StatusPending {
					pending++
				}
			}
			io.Observe(int64(pending))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating pending counter: %w", err)
	}

	if o.mResults, err = m.Int64Counter(
		"results",
		metric.WithDescription("Number of verification request status transitions."),
		metric.WithUnit("{result}"),
	); err != nil {
		return fmt.Errorf("creating result counter: %w", err)
	}

	return nil
}

/*
Run starts the background expiry sweep and blocks until the context is
cancelled. Requests pending longer than the configured TTL are marked
timed out so a request that never reaches quorum does not look pending
forever.
*/
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.expireLoop(ctx) })
	return g.Wait()
}

func (o *Orchestrator) expireLoop(ctx context.Context) error {
	interval := min(max(o.ttl/4, 100*time.Millisecond), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweepExpired(ctx)
		}
	}
}

// sweepExpired marks overdue pending requests timed out and returns how
// many were flagged.
func (o *Orchestrator) sweepExpired(ctx context.Context) int {
	now := o.clock.Timestamp()

	o.mu.Lock()
	defer o.mu.Unlock()

	expired := 0
	for id, req := range o.requests {
		if req.Status != StatusPending || now.Sub(req.CreatedAt) <= o.ttl {
			continue
		}
		timedOut := req.Clone()
		timedOut.Status = StatusTimedOut
		if err := o.store.put(timedOut, o.results[id]); err != nil {
			o.log.WarnContext(ctx, "marking verification request timed out", logger.VerificationID(id), logger.Error(err))
			continue
		}
		o.requests[id] = timedOut
		expired++
		o.mResults.Add(ctx, 1, metric.WithAttributes(observability.Outcome(StatusTimedOut)))
		o.log.WarnContext(ctx, fmt.Sprintf("verification request pending for over %s, marked timed out", o.ttl), logger.VerificationID(id))
	}
	return expired
}

/*
ProcessExecutionOutput runs the front half of the pipeline for one
execution output. The output is sealed, the seal is queued and distributed
to every active node and a consensus record is opened for the votes. The
returned request is in status "pending" until results are collected.
*/
func (o *Orchestrator) ProcessExecutionOutput(ctx context.Context, output []byte) (*VerificationRequest, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.ProcessExecutionOutput")
	defer span.End()

	sealed, err := o.sealer.GenerateSeal(ctx, output)
	if err != nil {
		return nil, fmt.Errorf("generating seal: %w", err)
	}
	span.SetAttributes(observability.SealID(sealed.SealID))

	active := o.nodes.GetActiveNodes()
	if len(active) == 0 {
		return nil, errors.New("no active verification nodes")
	}
	nodeIDs := make([]string, 0, len(active))
	for _, node := range active {
		nodeIDs = append(nodeIDs, node.NodeID)
	}

	if err := o.distributor.QueueSealForDistribution(ctx, sealed.SealID); err != nil {
		return nil, fmt.Errorf("queueing seal for distribution: %w", err)
	}
	if _, err := o.distributor.DistributeSeal(ctx, sealed.SealID, nodeIDs); err != nil {
		return nil, fmt.Errorf("distributing seal: %w", err)
	}

	rec, err := o.consensusManager.CreateConsensusRecord(ctx, sealed.SealID)
	if err != nil {
		return nil, fmt.Errorf("creating consensus record: %w", err)
	}

	req := &VerificationRequest{
		VerificationID: uuid.NewString(),
		SealID:         sealed.SealID,
		ConsensusID:    rec.ConsensusID,
		Output:         bytes.Clone(output),
		Status:         StatusPending,
		CreatedAt:      o.clock.Timestamp(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.put(req, nil); err != nil {
		return nil, fmt.Errorf("persisting verification request: %w", err)
	}
	o.requests[req.VerificationID] = req
	o.bySeal[req.SealID] = req.VerificationID

	o.log.InfoContext(ctx, fmt.Sprintf("execution output distributed to %d nodes for verification", len(nodeIDs)),
		logger.VerificationID(req.VerificationID), logger.SealID(req.SealID))
	return req.Clone(), nil
}

/*
CollectVerificationResults polls the votes received for the request so
far. With no votes yet the current status is reported with an explanatory
message and nothing is stored. Once votes are in, the node trust scores
are fetched, the votes are folded into an aggregate trust score and the
request completes as "conflict" when the votes disagree, "verified"
otherwise. Collection is idempotent, repeated polls without new votes
return the stored result.
*/
func (o *Orchestrator) CollectVerificationResults(ctx context.Context, verificationID string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.CollectVerificationResults")
	defer span.End()
	span.SetAttributes(observability.VerificationID(verificationID))

	o.mu.RLock()
	req, ok := o.requests[verificationID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("verification request %q: %w", verificationID, ErrRequestNotFound)
	}

	rec, err := o.consensusManager.GetConsensusRecord(req.ConsensusID)
	if err != nil {
		return nil, fmt.Errorf("reading consensus record: %w", err)
	}
	if len(rec.ParticipatingNodes) == 0 {
		return &Result{
			VerificationID: req.VerificationID,
			SealID:         req.SealID,
			ConsensusID:    req.ConsensusID,
			Status:         req.Status,
			Message:        "no verification results received yet",
		}, nil
	}

	votes := make(map[string]bool, len(rec.ParticipatingNodes))
	trusts := make(map[string]float64, len(rec.ParticipatingNodes))
	for _, vote := range rec.ParticipatingNodes {
		node, err := o.nodes.GetNode(vote.NodeID)
		if err != nil {
			return nil, fmt.Errorf("reading node %q: %w", vote.NodeID, err)
		}
		votes[vote.NodeID] = vote.VerificationResult
		trusts[vote.NodeID] = node.TrustScore
	}

	agg, err := o.aggregator.AggregateVerificationResults(ctx, votes, trusts)
	if err != nil {
		return nil, fmt.Errorf("aggregating verification results: %w", err)
	}
	conflict, err := o.consensusManager.DetectConflicts(ctx, req.ConsensusID)
	if err != nil {
		return nil, fmt.Errorf("detecting conflicts: %w", err)
	}
	status := StatusVerified
	if conflict {
		status = StatusConflict
	}

	completedAt := o.clock.Timestamp()
	res := &Result{
		VerificationID:      req.VerificationID,
		SealID:              req.SealID,
		ConsensusID:         req.ConsensusID,
		Status:              status,
		TrustScore:          agg.TrustScore,
		TrustRecordID:       agg.TrustRecordID,
		ConsensusPercentage: rec.ConsensusPercentage,
		ConsensusResult:     rec.ConsensusResult,
		NodeCount:           len(rec.ParticipatingNodes),
		CompletedAt:         &completedAt,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if stored, ok := o.results[verificationID]; ok &&
		stored.Status == res.Status && stored.NodeCount == res.NodeCount && stored.TrustScore == res.TrustScore {
		return stored.Clone(), nil
	}
	updated := o.requests[verificationID].Clone()
	updated.Status = status
	if err := o.store.put(updated, res); err != nil {
		return nil, fmt.Errorf("persisting verification result: %w", err)
	}
	o.requests[verificationID] = updated
	o.results[verificationID] = res

	o.mResults.Add(ctx, 1, metric.WithAttributes(observability.Outcome(status)))
	o.log.InfoContext(ctx, fmt.Sprintf("verification completed with %d votes", res.NodeCount),
		logger.VerificationID(verificationID), logger.SealID(res.SealID))
	return res.Clone(), nil
}

// GetVerificationStatus returns the stored result, or a pending view of
// the request when no result has been produced yet.
func (o *Orchestrator) GetVerificationStatus(verificationID string) (*Result, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	req, ok := o.requests[verificationID]
	if !ok {
		return nil, fmt.Errorf("verification request %q: %w", verificationID, ErrRequestNotFound)
	}
	if res, ok := o.results[verificationID]; ok {
		return res.Clone(), nil
	}
	return &Result{
		VerificationID: req.VerificationID,
		SealID:         req.SealID,
		ConsensusID:    req.ConsensusID,
		Status:         req.Status,
	}, nil
}

// GetSealVerificationStatus resolves the verification request bound to the
// seal and reports its status.
func (o *Orchestrator) GetSealVerificationStatus(sealID string) (*Result, error) {
	o.mu.RLock()
	verificationID, ok := o.bySeal[sealID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("seal %q has no verification request: %w", sealID, ErrRequestNotFound)
	}
	return o.GetVerificationStatus(verificationID)
}

// GetRequest returns a copy of the verification request.
func (o *Orchestrator) GetRequest(verificationID string) (*VerificationRequest, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	req, ok := o.requests[verificationID]
	if !ok {
		return nil, fmt.Errorf("verification request %q: %w", verificationID, ErrRequestNotFound)
	}
	return req.Clone(), nil
}

// InitializeVerificationNetwork replaces the node topology with the given
// number of simulated verification nodes and returns the topology id.
func (o *Orchestrator) InitializeVerificationNetwork(ctx context.Context, nodeCount int) (string, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.InitializeVerificationNetwork")
	defer span.End()

	topologyID, err := o.nodes.InitializeNetwork(ctx, nodeCount)
	if err != nil {
		return "", fmt.Errorf("initializing verification network: %w", err)
	}
	o.log.InfoContext(ctx, fmt.Sprintf("verification network initialized with %d nodes", nodeCount))
	return topologyID, nil
}

// GetNetworkStatus reports node counts and verification request counts.
// The network is degraded while no node is active.
func (o *Orchestrator) GetNetworkStatus() *NetworkStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := &NetworkStatus{
		Status:            NetworkOperational,
		TopologyID:        o.nodes.TopologyID(),
		NodeCount:         o.nodes.TotalNodes(),
		ActiveNodeCount:   o.nodes.ActiveNodeCount(),
		VerificationCount: len(o.requests),
	}
	if status.ActiveNodeCount == 0 {
		status.Status = NetworkDegraded
	}
	for _, res := range o.results {
		switch res.Status {
		case StatusVerified:
			status.VerifiedCount++
		case StatusConflict:
			status.ConflictCount++
		}
	}
	return status
}

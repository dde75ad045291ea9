package consensus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veriseal-org/veriseal/keyvaluedb"
	"github.com/veriseal-org/veriseal/logger"
	"github.com/veriseal-org/veriseal/observability"
)

var (
	ErrRecordNotFound              = errors.New("consensus record not found")
	ErrDuplicateVote               = errors.New("node has already voted on the consensus record")
	ErrInvalidSealID               = errors.New("seal id is empty")
	ErrUnsupportedResolutionMethod = errors.New("unsupported conflict resolution method")
)

// Conflict resolution methods accepted by ResolveConflict.
const (
	ResolutionMajorityVote     = "majority_vote"
	ResolutionWeightedMajority = "weighted_majority"
)

type (
	// Clock is the synchronized timestamp source used to order votes.
	Clock interface {
		Timestamp() time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Option is a configuration callback for NewService.
	Option func(*Service)

	/*
		Service owns the consensus records of the verification network. It is
		the only writer of the records, every vote is tallied, persisted and
		the derived consensus fields recomputed under a single lock so readers
		never observe a half applied vote.

		Records survive restarts, the backing store is read back into memory
		when the service is created.
	*/
	Service struct {
		mu      sync.RWMutex
		records map[string]*ConsensusRecord
		bySeal  map[string][]string // seal id -> consensus ids in creation order
		store   *recordStore
		clock   Clock
		meta    *ContractMeta

		log    *slog.Logger
		tracer trace.Tracer

		mVotes     metric.Int64Counter
		mConflicts metric.Int64Counter
	}
)

// WithContractMeta stamps every record the service creates with the given
// verification contract version and clause tags.
func WithContractMeta(version string, clauseTags ...string) Option {
	return func(s *Service) {
		s.meta = &ContractMeta{Version: version, ClauseTags: clauseTags}
	}
}

func NewService(db keyvaluedb.KeyValueDB, clock Clock, obs Observability, opts ...Option) (*Service, error) {
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}
	store, err := newRecordStore(db)
	if err != nil {
		return nil, err
	}
	records, err := store.loadAll()
	if err != nil {
		return nil, fmt.Errorf("loading consensus records: %w", err)
	}

	s := &Service{
		records: records,
		bySeal:  sealIndex(records),
		store:   store,
		clock:   clock,
		log:     obs.Logger(),
		tracer:  obs.Tracer("consensus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return s, nil
}

func (s *Service) initMetrics(obs Observability) (err error) {
	m := obs.Meter("consensus")

	_, err = m.Int64ObservableUpDownCounter(
		"records.count",
		metric.WithDescription("Number of consensus records tracked by the service."),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			s.mu.RLock()
			defer s.mu.RUnlock()
			io.Observe(int64(len(s.records)))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating counter for record count: %w", err)
	}

	s.mVotes, err = m.Int64Counter(
		"votes",
		metric.WithDescription("Number of verification votes submitted to the service (status=ok|err)."),
	)
	if err != nil {
		return fmt.Errorf("creating counter for votes: %w", err)
	}

	s.mConflicts, err = m.Int64Counter(
		"conflicts",
		metric.WithDescription("Number of consensus rounds where conflicting verdicts were detected."),
	)
	if err != nil {
		return fmt.Errorf("creating counter for conflicts: %w", err)
	}
	return nil
}

/*
CreateConsensusRecord opens a new consensus round for the seal. The record
starts with no votes, consensus result false and percentage zero. Multiple
rounds per seal are allowed, GetVerificationStatus reports the latest one.
*/
func (s *Service) CreateConsensusRecord(ctx context.Context, sealID string) (*ConsensusRecord, error) {
	ctx, span := s.tracer.Start(ctx, "consensus.CreateConsensusRecord")
	defer span.End()

	if sealID == "" {
		return nil, ErrInvalidSealID
	}
	rec := &ConsensusRecord{
		ConsensusID:        uuid.NewString(),
		SealID:             sealID,
		ParticipatingNodes: []NodeVote{},
		CreatedAt:          s.clock.Timestamp(),
		ContractMeta:       s.meta.Clone(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.put(rec); err != nil {
		return nil, fmt.Errorf("persisting consensus record: %w", err)
	}
	s.records[rec.ConsensusID] = rec
	s.bySeal[sealID] = append(s.bySeal[sealID], rec.ConsensusID)

	s.log.InfoContext(ctx, "consensus record created", logger.ConsensusID(rec.ConsensusID), logger.SealID(sealID))
	return rec.Clone(), nil
}

/*
AddVerificationResult registers the verdict of a node on the consensus record
and recomputes the derived consensus fields. Every node gets exactly one vote
per record, a repeated vote returns ErrDuplicateVote and leaves the record,
including the node's original vote, untouched.

Returns the updated record.
*/
func (s *Service) AddVerificationResult(ctx context.Context, consensusID, nodeID string, verified bool, signature string) (rec *ConsensusRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "consensus.AddVerificationResult")
	defer func() {
		s.mVotes.Add(ctx, 1, metric.WithAttributes(observability.ErrStatus(err)))
		span.End()
	}()

	if nodeID == "" {
		return nil, errors.New("node id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[consensusID]
	if !ok {
		return nil, fmt.Errorf("record %q: %w", consensusID, ErrRecordNotFound)
	}
	if cur.hasVoted(nodeID) {
		return nil, fmt.Errorf("record %q node %q: %w", consensusID, nodeID, ErrDuplicateVote)
	}

	// tally on a copy so a failed persist leaves the current record as is
	next := cur.Clone()
	next.ParticipatingNodes = append(next.ParticipatingNodes, NodeVote{
		NodeID:             nodeID,
		VerificationResult: verified,
		Signature:          signature,
		JoinedAt:           s.clock.Timestamp(),
	})
	next.recompute()
	if err := s.store.put(next); err != nil {
		return nil, fmt.Errorf("persisting vote: %w", err)
	}
	s.records[consensusID] = next

	s.log.DebugContext(ctx, fmt.Sprintf("vote %t tallied, consensus %.2f", verified, next.ConsensusPercentage),
		logger.ConsensusID(consensusID), logger.NodeID(nodeID))
	return next.Clone(), nil
}

/*
DetectConflicts checks the record for conflicting verdicts, ie votes on both
sides. On first detection a conflict marker is stored on the record, awaiting
ResolveConflict. Repeated calls are idempotent.
*/
func (s *Service) DetectConflicts(ctx context.Context, consensusID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "consensus.DetectConflicts")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[consensusID]
	if !ok {
		return false, fmt.Errorf("record %q: %w", consensusID, ErrRecordNotFound)
	}
	if cur.unanimous() {
		return false, nil
	}
	if cur.ConflictResolution == nil {
		next := cur.Clone()
		next.ConflictResolution = &ConflictResolution{ConflictDetected: true}
		if err := s.store.put(next); err != nil {
			return false, fmt.Errorf("persisting conflict marker: %w", err)
		}
		s.records[consensusID] = next
		s.mConflicts.Add(ctx, 1)
		s.log.WarnContext(ctx, "conflicting verification verdicts detected", logger.ConsensusID(consensusID), logger.SealID(cur.SealID))
	}
	return true, nil
}

/*
ResolveConflict settles a conflicted consensus round. Only the listed
resolution methods are accepted, anything else returns
ErrUnsupportedResolutionMethod. The resolution does not alter the tallied
votes, the consensus math already implements majority voting and the
resolution is an audit statement on top of it.
*/
func (s *Service) ResolveConflict(ctx context.Context, consensusID, method, details string) (*ConsensusRecord, error) {
	ctx, span := s.tracer.Start(ctx, "consensus.ResolveConflict")
	defer span.End()

	switch method {
	case ResolutionMajorityVote, ResolutionWeightedMajority:
	default:
		return nil, fmt.Errorf("%q: %w", method, ErrUnsupportedResolutionMethod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[consensusID]
	if !ok {
		return nil, fmt.Errorf("record %q: %w", consensusID, ErrRecordNotFound)
	}
	ts := s.clock.Timestamp()
	next := cur.Clone()
	next.ConflictResolution = &ConflictResolution{
		ConflictDetected:  true,
		ResolutionMethod:  method,
		ResolutionDetails: details,
		ResolvedAt:        &ts,
	}
	if err := s.store.put(next); err != nil {
		return nil, fmt.Errorf("persisting conflict resolution: %w", err)
	}
	s.records[consensusID] = next

	s.log.InfoContext(ctx, fmt.Sprintf("conflict resolved using %s", method), logger.ConsensusID(consensusID))
	return next.Clone(), nil
}

// GetConsensusRecord returns a copy of the record or ErrRecordNotFound.
func (s *Service) GetConsensusRecord(consensusID string) (*ConsensusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[consensusID]
	if !ok {
		return nil, fmt.Errorf("record %q: %w", consensusID, ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

// GetConsensusBySeal returns copies of the seal's consensus records in
// creation order. No records is not an error, the slice is just empty.
func (s *Service) GetConsensusBySeal(sealID string) []*ConsensusRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySeal[sealID]
	recs := make([]*ConsensusRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, s.records[id].Clone())
	}
	return recs
}

// GetAllConsensusRecords returns copies of every record in creation order.
func (s *Service) GetAllConsensusRecords() []*ConsensusRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*ConsensusRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec.Clone())
	}
	slices.SortFunc(recs, func(a, b *ConsensusRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConsensusID, b.ConsensusID)
	})
	return recs
}

// SealVerificationStatus is the verification verdict of a seal derived from
// its latest consensus round.
type SealVerificationStatus struct {
	Status          string           `json:"status" cbor:"status"`
	ConsensusCount  int              `json:"consensus_count" cbor:"consensus_count"`
	LatestConsensus *ConsensusRecord `json:"latest_consensus,omitempty" cbor:"latest_consensus,omitempty"`
}

/*
GetVerificationStatus reports the seal's verification status based on its
latest consensus round. A seal without any consensus rounds is simply not
verified, status carries a zero count and no record.
*/
func (s *Service) GetVerificationStatus(sealID string) *SealVerificationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySeal[sealID]
	if len(ids) == 0 {
		return &SealVerificationStatus{Status: StatusNotVerified, ConsensusCount: 0}
	}
	latest := s.records[ids[len(ids)-1]]
	status := StatusNotVerified
	if latest.ConsensusResult {
		status = StatusVerified
	}
	return &SealVerificationStatus{
		Status:          status,
		ConsensusCount:  len(ids),
		LatestConsensus: latest.Clone(),
	}
}

// sealIndex rebuilds the per-seal creation order index from loaded records.
func sealIndex(records map[string]*ConsensusRecord) map[string][]string {
	recs := slices.SortedFunc(maps.Values(records), func(a, b *ConsensusRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConsensusID, b.ConsensusID)
	})
	idx := map[string][]string{}
	for _, rec := range recs {
		idx[rec.SealID] = append(idx[rec.SealID], rec.ConsensusID)
	}
	return idx
}

package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veriseal-org/veriseal/keyvaluedb"
	"github.com/veriseal-org/veriseal/logger"
	"github.com/veriseal-org/veriseal/observability"
)

var ErrBoundaryNotFound = errors.New("trust boundary not found")

type (
	// Clock is the synchronized timestamp source stamped on verification
	// results so the audit history has a total order.
	Clock interface {
		Timestamp() time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	/*
		VerificationSystem evaluates trust levels and trust boundaries against
		the attribute store.

		The evaluators are one shot, every call validates its input, evaluates
		against the current store state and produces a VerificationResult.
		Failed checks are not errors, they come back as results with Verified
		false so the audit history captures them too. The returned error is
		reserved for infrastructure faults, a result which can't be appended
		to the audit history is not handed out.
	*/
	VerificationSystem struct {
		store *AttributeStore
		audit *auditLog
		clock Clock

		mu         sync.RWMutex
		boundaries map[string]*TrustBoundary
		boundaryDB keyvaluedb.KeyValueDB

		log    *slog.Logger
		tracer trace.Tracer

		mVerifications metric.Int64Counter
	}
)

func NewVerificationSystem(store *AttributeStore, boundaryDB, auditDB keyvaluedb.KeyValueDB, clock Clock, obs Observability) (*VerificationSystem, error) {
	if store == nil {
		return nil, errors.New("attribute store is nil")
	}
	if boundaryDB == nil {
		return nil, errors.New("boundary storage is nil")
	}
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}
	audit, err := newAuditLog(auditDB)
	if err != nil {
		return nil, err
	}

	v := &VerificationSystem{
		store:      store,
		audit:      audit,
		clock:      clock,
		boundaries: map[string]*TrustBoundary{},
		boundaryDB: boundaryDB,
		log:        obs.Logger(),
		tracer:     obs.Tracer("trust"),
	}
	if err := v.loadBoundaries(); err != nil {
		return nil, fmt.Errorf("loading trust boundaries: %w", err)
	}
	if err := v.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return v, nil
}

func (v *VerificationSystem) initMetrics(obs Observability) (err error) {
	m := obs.Meter("trust")

	v.mVerifications, err = m.Int64Counter(
		"verifications",
		metric.WithDescription("Number of trust verifications evaluated (outcome=verified|rejected)."),
	)
	if err != nil {
		return fmt.Errorf("creating counter for verifications: %w", err)
	}
	return nil
}

func (v *VerificationSystem) loadBoundaries() (rerr error) {
	it := v.boundaryDB.First()
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid(); it.Next() {
		b := &TrustBoundary{}
		if err := it.Value(b); err != nil {
			return fmt.Errorf("reading boundary %q: %w", it.Key(), err)
		}
		v.boundaries[b.BoundaryID] = b
	}
	return nil
}

/*
VerifyTrustLevel checks the entity's effective score against the required
level. The required level must be in [0..1] and the entity registered,
otherwise the result fails with the reason in the errors.

On evaluation the result carries the actual and required scores, the
transitive inheritance chain and whether every ancestor is itself verified.
A broken ancestor does not flip Verified, the score decides that, it only
lowers the confidence and shows up in the details.
*/
func (v *VerificationSystem) VerifyTrustLevel(ctx context.Context, entityID string, requiredLevel float64) (*VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "trust.VerifyTrustLevel")
	defer span.End()
	span.SetAttributes(observability.EntityID(entityID))

	res := &VerificationResult{
		EntityID:            entityID,
		VerificationTime:    v.clock.Timestamp(),
		VerificationDetails: map[string]any{},
	}
	switch {
	case !validScore(requiredLevel):
		res.failf("required trust level %v is outside [0..1]", requiredLevel)
	default:
		score, err := v.store.GetEffectiveScore(entityID)
		if err != nil {
			res.failf("entity %q is not registered", entityID)
			break
		}
		chain, ancestryVerified, err := v.store.Ancestry(entityID)
		if err != nil {
			return nil, fmt.Errorf("walking ancestry of %q: %w", entityID, err)
		}
		res.Verified = score >= requiredLevel
		res.ConfidenceScore = confidenceScore(score-requiredLevel, ancestryVerified && len(chain) > 0)
		res.VerificationDetails["actual_score"] = score
		res.VerificationDetails["required_level"] = requiredLevel
		res.VerificationDetails["inheritance_chain"] = chain
		res.VerificationDetails["inheritance_verified"] = ancestryVerified
	}
	return v.conclude(ctx, res)
}

/*
EnforceTrustBoundary evaluates the entity against the boundary. The checks
run in a fixed order, minimum trust score, then every required context in
name order, then the required tier, and the first failing check concludes
the result. Details gathered before the failing check stay in the result.

An invalid boundary fails the result without touching the store, the
boundary does not have to be registered to be enforced.
*/
func (v *VerificationSystem) EnforceTrustBoundary(ctx context.Context, entityID string, boundary *TrustBoundary) (*VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "trust.EnforceTrustBoundary")
	defer span.End()
	span.SetAttributes(observability.EntityID(entityID))

	res := &VerificationResult{
		EntityID:            entityID,
		VerificationTime:    v.clock.Timestamp(),
		VerificationDetails: map[string]any{},
	}
	if err := boundary.IsValid(); err != nil {
		res.failf("invalid trust boundary: %v", err)
		return v.conclude(ctx, res)
	}
	res.VerificationDetails["boundary_id"] = boundary.BoundaryID

	attr, err := v.store.GetEntity(entityID)
	if err != nil {
		res.failf("entity %q is not registered", entityID)
		return v.conclude(ctx, res)
	}
	score, err := v.store.GetEffectiveScore(entityID)
	if err != nil {
		return nil, fmt.Errorf("reading effective score of %q: %w", entityID, err)
	}

	res.VerificationDetails["actual_score"] = score
	res.VerificationDetails["required_score"] = boundary.MinTrustScore
	if score < boundary.MinTrustScore {
		res.failf("trust score %v is below the boundary minimum %v", score, boundary.MinTrustScore)
		return v.conclude(ctx, res)
	}

	verified := []string{}
	for _, name := range slices.Sorted(maps.Keys(boundary.RequiredContexts)) {
		required := boundary.RequiredContexts[name]
		actual, ok := attr.ContextScores[name]
		if !ok {
			res.failf("missing required context %q", name)
			return v.conclude(ctx, res)
		}
		if actual < required {
			span.SetAttributes(observability.Context(name))
			res.VerificationDetails["context"] = name
			res.VerificationDetails["context_actual"] = actual
			res.VerificationDetails["context_required"] = required
			res.failf("context %q score %v is below the required %v", name, actual, required)
			return v.conclude(ctx, res)
		}
		verified = append(verified, name)
	}

	if boundary.RequiredTier != "" && attr.Tier != boundary.RequiredTier {
		res.VerificationDetails["actual_tier"] = attr.Tier
		res.VerificationDetails["required_tier"] = boundary.RequiredTier
		res.failf("tier %q does not match the required tier %q", attr.Tier, boundary.RequiredTier)
		return v.conclude(ctx, res)
	}

	chain, ancestryVerified, err := v.store.Ancestry(entityID)
	if err != nil {
		return nil, fmt.Errorf("walking ancestry of %q: %w", entityID, err)
	}
	res.Verified = true
	res.ConfidenceScore = confidenceScore(score-boundary.MinTrustScore, ancestryVerified && len(chain) > 0)
	res.VerificationDetails["inheritance_verified"] = ancestryVerified
	res.VerificationDetails["contexts_verified"] = verified
	return v.conclude(ctx, res)
}

// conclude appends the result to the audit history and counts it. Results
// which can't be audited are not returned.
func (v *VerificationSystem) conclude(ctx context.Context, res *VerificationResult) (*VerificationResult, error) {
	if err := v.audit.append(res); err != nil {
		return nil, err
	}
	outcome := "rejected"
	if res.Verified {
		outcome = "verified"
	}
	v.mVerifications.Add(ctx, 1, metric.WithAttributes(observability.Outcome(outcome)))
	v.log.DebugContext(ctx, fmt.Sprintf("trust verification %s, confidence %.2f", outcome, res.ConfidenceScore), logger.EntityID(res.EntityID))
	return res, nil
}

// RegisterTrustBoundary validates and stores the boundary. An invalid
// boundary is never stored. Registering an already known boundary id
// replaces the stored policy.
func (v *VerificationSystem) RegisterTrustBoundary(ctx context.Context, boundary *TrustBoundary) error {
	if err := boundary.IsValid(); err != nil {
		return fmt.Errorf("invalid trust boundary: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	b := boundary.Clone()
	if err := v.boundaryDB.Write([]byte(b.BoundaryID), b); err != nil {
		return fmt.Errorf("persisting boundary %q: %w", b.BoundaryID, err)
	}
	v.boundaries[b.BoundaryID] = b
	v.log.InfoContext(ctx, fmt.Sprintf("trust boundary %q registered", b.BoundaryID))
	return nil
}

// GetTrustBoundary returns a copy of the registered boundary or
// ErrBoundaryNotFound.
func (v *VerificationSystem) GetTrustBoundary(boundaryID string) (*TrustBoundary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	b, ok := v.boundaries[boundaryID]
	if !ok {
		return nil, fmt.Errorf("boundary %q: %w", boundaryID, ErrBoundaryNotFound)
	}
	return b.Clone(), nil
}

// VerifyAllBoundaries enforces every registered boundary against the entity
// and returns the results keyed by boundary id.
func (v *VerificationSystem) VerifyAllBoundaries(ctx context.Context, entityID string) (map[string]*VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "trust.VerifyAllBoundaries")
	defer span.End()
	span.SetAttributes(observability.EntityID(entityID))

	v.mu.RLock()
	boundaries := make([]*TrustBoundary, 0, len(v.boundaries))
	for _, id := range slices.Sorted(maps.Keys(v.boundaries)) {
		boundaries = append(boundaries, v.boundaries[id])
	}
	v.mu.RUnlock()

	results := make(map[string]*VerificationResult, len(boundaries))
	for _, b := range boundaries {
		res, err := v.EnforceTrustBoundary(ctx, entityID, b)
		if err != nil {
			return nil, fmt.Errorf("enforcing boundary %q: %w", b.BoundaryID, err)
		}
		results[b.BoundaryID] = res
	}
	return results, nil
}

// AuditTrustVerification returns the entity's verification history in
// insertion order, failed verifications included.
func (v *VerificationSystem) AuditTrustVerification(entityID string) ([]*VerificationResult, error) {
	return v.audit.history(entityID)
}

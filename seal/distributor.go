package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veriseal-org/veriseal/logger"
	"github.com/veriseal-org/veriseal/observability"
)

var (
	ErrSealQueued    = errors.New("seal is already queued for distribution")
	ErrSealNotQueued = errors.New("seal is not queued for distribution")
	ErrQueueFull     = errors.New("distribution queue is full")
)

// Distribution status of a single seal delivery.
const DistributionStatusDistributed = "distributed"

type (
	// Distribution records the delivery of one seal to one node.
	Distribution struct {
		DistributionID string    `json:"distribution_id" cbor:"distribution_id"`
		SealID         string    `json:"seal_id" cbor:"seal_id"`
		NodeID         string    `json:"node_id" cbor:"node_id"`
		Status         string    `json:"status" cbor:"status"`
		DistributedAt  time.Time `json:"distributed_at" cbor:"distributed_at"`
	}

	/*
		Distributor hands generated seals to the verification nodes. Seals
		wait in a bounded queue until they are distributed, a seal is queued
		at most once at a time and the queue refuses work beyond its capacity.
		Per node delivery records are retained per seal for the trust
		visualization queries.
	*/
	Distributor struct {
		mutex   sync.Mutex
		pending map[string]time.Time // seal id -> queued at
		maxSize uint
		history map[string][]*Distribution
		clock   Clock

		log    *slog.Logger
		tracer trace.Tracer

		mDur metric.Float64Histogram
	}
)

// Clone returns a copy of the distribution record.
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

/*
NewDistributor creates a seal distributor. MaxSize bounds the number of
seals waiting for distribution at any one time.
*/
func NewDistributor(maxSize uint, clock Clock, obs Observability) (*Distributor, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("queue max size must be greater than zero, got %d", maxSize)
	}
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}

	d := &Distributor{
		pending: map[string]time.Time{},
		maxSize: maxSize,
		history: map[string][]*Distribution{},
		clock:   clock,
		log:     obs.Logger(),
		tracer:  obs.Tracer("sealDistributor"),
	}
	if err := d.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return d, nil
}

func (d *Distributor) initMetrics(obs Observability) (err error) {
	m := obs.Meter("sealdistributor")

	if _, err = m.Int64ObservableUpDownCounter(
		"queue.count",
		metric.WithDescription("Number of seals waiting for distribution."),
		metric.WithUnit("{seal}"),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			d.mutex.Lock()
			defer d.mutex.Unlock()
			io.Observe(int64(len(d.pending)))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating queue counter: %w", err)
	}

	if d.mDur, err = m.Float64Histogram(
		"queued",
		metric.WithDescription("For how long the seal was queued before being distributed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(50e-6, 100e-6, 250e-6, 500e-6, 0.001, 0.01, 0.1, 0.2, 0.4, 0.8, 1.5, 3),
	); err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}

	return nil
}

/*
QueueSealForDistribution puts the seal into the distribution queue. Returns
an error when the seal id is empty, the seal is already waiting or the queue
is at capacity.
*/
func (d *Distributor) QueueSealForDistribution(ctx context.Context, sealID string) error {
	ctx, span := d.tracer.Start(ctx, "Distributor.QueueSealForDistribution")
	defer span.End()

	if sealID == "" {
		return errors.New("seal id is empty")
	}
	span.SetAttributes(observability.SealID(sealID))

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, found := d.pending[sealID]; found {
		return ErrSealQueued
	}
	if uint(len(d.pending)) >= d.maxSize {
		return ErrQueueFull
	}
	d.pending[sealID] = time.Now()

	d.log.DebugContext(ctx, "seal queued for distribution", logger.SealID(sealID))
	return nil
}

/*
DistributeSeal takes the seal out of the queue and records a delivery to
every given node. Each delivery gets its own distribution id. The seal must
have been queued, distributing an unqueued seal fails with ErrSealNotQueued.
*/
func (d *Distributor) DistributeSeal(ctx context.Context, sealID string, nodeIDs []string) ([]*Distribution, error) {
	ctx, span := d.tracer.Start(ctx, "Distributor.DistributeSeal")
	defer span.End()

	if len(nodeIDs) == 0 {
		return nil, errors.New("no nodes to distribute to")
	}
	span.SetAttributes(observability.SealID(sealID))

	d.mutex.Lock()
	defer d.mutex.Unlock()

	queuedAt, found := d.pending[sealID]
	if !found {
		return nil, fmt.Errorf("seal %q: %w", sealID, ErrSealNotQueued)
	}
	queuedFor := time.Since(queuedAt)
	span.SetAttributes(attribute.String("queued.duration", queuedFor.String()))
	d.mDur.Record(ctx, queuedFor.Seconds())
	delete(d.pending, sealID)

	records := make([]*Distribution, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		rec := &Distribution{
			DistributionID: uuid.NewString(),
			SealID:         sealID,
			NodeID:         nodeID,
			Status:         DistributionStatusDistributed,
			DistributedAt:  d.clock.Timestamp(),
		}
		records = append(records, rec)
		d.history[sealID] = append(d.history[sealID], rec)
	}

	d.log.DebugContext(ctx, fmt.Sprintf("seal distributed to %d nodes", len(nodeIDs)), logger.SealID(sealID))
	return cloneDistributions(records), nil
}

// GetDistributionHistory returns the seal's delivery records in distribution
// order. No history is not an error, the slice is just empty.
func (d *Distributor) GetDistributionHistory(sealID string) []*Distribution {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return cloneDistributions(d.history[sealID])
}

// PendingCount returns the number of seals waiting for distribution.
func (d *Distributor) PendingCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

func cloneDistributions(recs []*Distribution) []*Distribution {
	out := make([]*Distribution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Clone())
	}
	return out
}

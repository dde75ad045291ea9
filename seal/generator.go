package seal

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veriseal-org/veriseal/logger"
)

var ErrSealNotFound = errors.New("seal not found")

type (
	// Clock is the synchronized timestamp source mixed into seal ids and
	// stamped on seal metadata.
	Clock interface {
		Timestamp() time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Seal is the proof artifact produced for one captured execution output.
	Seal struct {
		SealID     string    `json:"seal_id" cbor:"seal_id"`
		OutputHash string    `json:"output_hash" cbor:"output_hash"`
		OutputSize int       `json:"output_size" cbor:"output_size"`
		CreatedAt  time.Time `json:"created_at" cbor:"created_at"`
	}

	/*
		Generator produces content addressed seals over execution outputs.
		The seal id is the hash of the output bytes and the synchronized
		creation timestamp, so sealing the same output twice yields two
		distinct seals while the output hash itself stays comparable across
		them. Generated seal metadata is kept for lookups.
	*/
	Generator struct {
		mu    sync.RWMutex
		seals map[string]*Seal
		clock Clock

		log    *slog.Logger
		tracer trace.Tracer
	}
)

// Clone returns a copy of the seal.
func (s *Seal) Clone() *Seal {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func NewGenerator(clock Clock, obs Observability) (*Generator, error) {
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}
	return &Generator{
		seals:  map[string]*Seal{},
		clock:  clock,
		log:    obs.Logger(),
		tracer: obs.Tracer("seal"),
	}, nil
}

// GenerateSeal seals the given execution output and returns the seal.
func (g *Generator) GenerateSeal(ctx context.Context, output []byte) (*Seal, error) {
	ctx, span := g.tracer.Start(ctx, "seal.GenerateSeal")
	defer span.End()

	if len(output) == 0 {
		return nil, errors.New("execution output is empty")
	}

	ts := g.clock.Timestamp()
	outputHash := sha256.Sum256(output)

	h := sha256.New()
	h.Write(outputHash[:])
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(ts.UnixNano())))
	seal := &Seal{
		SealID:     hex.EncodeToString(h.Sum(nil)),
		OutputHash: hex.EncodeToString(outputHash[:]),
		OutputSize: len(output),
		CreatedAt:  ts,
	}

	g.mu.Lock()
	g.seals[seal.SealID] = seal
	g.mu.Unlock()

	g.log.DebugContext(ctx, fmt.Sprintf("sealed %d bytes of execution output", len(output)), logger.SealID(seal.SealID))
	return seal.Clone(), nil
}

// GetSeal returns a copy of the seal metadata or ErrSealNotFound.
func (g *Generator) GetSeal(sealID string) (*Seal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seal, ok := g.seals[sealID]
	if !ok {
		return nil, fmt.Errorf("seal %q: %w", sealID, ErrSealNotFound)
	}
	return seal.Clone(), nil
}

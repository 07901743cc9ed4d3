package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/storage"
)

// Rejection reasons reported per event.
const (
	ReasonInvalid    = "INVALID"
	ReasonStoreError = "STORE_ERROR"
)

// ErrContention is returned when a conditional write kept losing to
// concurrent writers of the same event id.
var ErrContention = errors.New("event changed concurrently, retries exhausted")

const maxSwapAttempts = 3

type Rejection struct {
	EventID string              `json:"eventId"`
	Reason  string              `json:"reason"`
	Errors  []domain.FieldError `json:"errors,omitempty"`
}

// BatchResult summarises per-event outcomes of one batch. Rejected counts
// validation failures, Failed counts store failures; both are listed in
// Rejections.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Deduped    int         `json:"deduped"`
	Updated    int         `json:"updated"`
	Rejected   int         `json:"rejected"`
	Failed     int         `json:"failed"`
	Rejections []Rejection `json:"rejections"`
}

// Processor validates, reconciles and persists batches of events.
// It holds no state of its own and is safe for concurrent use.
type Processor struct {
	store   storage.Store
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewProcessor wires a processor; m may be nil.
func NewProcessor(store storage.Store, now func() time.Time, m *metrics.Metrics) *Processor {
	return &Processor{store: store, now: now, metrics: m}
}

// ProcessBatch handles events in order, each independently of the others.
// It always returns a result; failures are reported per event. The batch is
// not abandoned when ctx is cancelled.
func (p *Processor) ProcessBatch(ctx context.Context, events []domain.IncomingEvent) BatchResult {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	res := BatchResult{Rejections: []Rejection{}}

	for _, in := range events {
		now := p.now().UTC().Truncate(domain.Precision)

		v, errs := domain.Validate(in, now)
		if len(errs) > 0 {
			res.Rejected++
			res.Rejections = append(res.Rejections, Rejection{EventID: in.EventID, Reason: ReasonInvalid, Errors: errs})
			continue
		}

		outcome, err := p.safeApply(ctx, v, now)
		if err != nil {
			log.Printf("[ingest] event %s FAILED: %v", v.EventID, err)
			res.Failed++
			res.Rejections = append(res.Rejections, Rejection{EventID: v.EventID, Reason: ReasonStoreError})
			continue
		}
		switch outcome {
		case domain.Accept:
			res.Accepted++
		case domain.Dedupe:
			res.Deduped++
		case domain.Update:
			res.Updated++
		}
	}

	if p.metrics != nil {
		p.metrics.Outcome(domain.Accept.String(), res.Accepted)
		p.metrics.Outcome(domain.Dedupe.String(), res.Deduped)
		p.metrics.Outcome(domain.Update.String(), res.Updated)
		p.metrics.Outcome("rejected", res.Rejected)
		p.metrics.Outcome("failed", res.Failed)
		p.metrics.BatchSize.Observe(float64(len(events)))
		p.metrics.BatchDuration.Observe(time.Since(started).Seconds())
	}
	return res
}

// safeApply turns a panic while handling one event into that event's error.
func (p *Processor) safeApply(ctx context.Context, v domain.ValidatedEvent, now time.Time) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.apply(ctx, v, now)
}

func (p *Processor) apply(ctx context.Context, v domain.ValidatedEvent, now time.Time) (domain.Outcome, error) {
	cas, atomic := p.store.(storage.ConditionalSaver)

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		var existing *domain.Record
		cur, err := p.store.FindByID(ctx, v.EventID)
		switch {
		case err == nil:
			existing = &cur
		case errors.Is(err, storage.ErrNotFound):
		default:
			return 0, fmt.Errorf("lookup: %w", err)
		}

		d := domain.Reconcile(existing, v, now)
		if d.Outcome == domain.Dedupe {
			return d.Outcome, nil
		}

		if !atomic {
			if err := p.store.Save(ctx, d.Record); err != nil {
				return 0, fmt.Errorf("save: %w", err)
			}
			return d.Outcome, nil
		}

		ok, err := cas.SaveIf(ctx, d.Record, existing)
		if err != nil {
			return 0, fmt.Errorf("save: %w", err)
		}
		if ok {
			return d.Outcome, nil
		}
		// lost the race: re-read and decide again
	}
	return 0, ErrContention
}

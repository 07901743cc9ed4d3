package ingest

import (
	"context"
	"log"
	"time"

	"example.com/machineTelemetry/internal/domain"
)

// Ingestor groups events submitted one at a time into batches for the
// Processor. Batches are flushed when full, when batchMaxWait elapses, and
// once more when the context passed to Start is cancelled.
type Ingestor struct {
	queue        chan domain.IncomingEvent
	processor    *Processor
	batchMaxSize int
	batchMaxWait time.Duration
	done         chan struct{}
}

func NewIngestor(processor *Processor, queueMaxSize, batchMaxSize int, batchMaxWait time.Duration) *Ingestor {
	return &Ingestor{
		queue:        make(chan domain.IncomingEvent, queueMaxSize),
		processor:    processor,
		batchMaxSize: batchMaxSize,
		batchMaxWait: batchMaxWait,
		done:         make(chan struct{}),
	}
}

func (ig *Ingestor) Start(ctx context.Context) {
	go func() {
		defer close(ig.done)
		batch := make([]domain.IncomingEvent, 0, ig.batchMaxSize)
		t := time.NewTimer(ig.batchMaxWait)
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(ig.batchMaxWait)
		}

		flush := func() {
			if len(batch) == 0 {
				resetTimer()
				return
			}
			res := ig.processor.ProcessBatch(ctx, batch)
			log.Printf("[ingest] queued batch processed: size=%d accepted=%d deduped=%d updated=%d rejected=%d failed=%d",
				len(batch), res.Accepted, res.Deduped, res.Updated, res.Rejected, res.Failed)
			batch = batch[:0]
			resetTimer()
		}

		for {
			select {
			case <-ctx.Done():
				// drain what is already queued
				for drained := false; !drained; {
					select {
					case ev := <-ig.queue:
						batch = append(batch, ev)
						if len(batch) >= ig.batchMaxSize {
							flush()
						}
					default:
						drained = true
					}
				}
				flush()
				return
			case ev := <-ig.queue:
				batch = append(batch, ev)
				if len(batch) >= ig.batchMaxSize {
					flush()
				}
			case <-t.C:
				flush()
			}
		}
	}()
}

// Enqueue queues one event without blocking; it reports false when the queue is full.
func (ig *Ingestor) Enqueue(ev domain.IncomingEvent) bool {
	select {
	case ig.queue <- ev:
		return true
	default:
		return false
	}
}

// Done is closed once the background loop has flushed and exited.
func (ig *Ingestor) Done() <-chan struct{} { return ig.done }

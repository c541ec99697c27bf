package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

var (
	// ErrWriterStopped resolves records still queued when the writer exits without draining.
	ErrWriterStopped = errors.New("writer stopped")
	// ErrMirrorBacklogFull is reported when a mirror falls behind and a batch is dropped for it.
	ErrMirrorBacklogFull = errors.New("mirror backlog full")
)

const defaultMirrorBacklog = 64

// Writer is the only component that appends to the data log. It drains the
// queue in batches, resolves each record's PendingAppend with the primary
// sink's result and then hands the batch to the mirrors. Each mirror runs on
// its own goroutine so a slow one never holds up the data log.
type Writer struct {
	queue   ports.RecordQueue
	primary ports.Sink
	lanes   []*mirrorLane
	pol     ports.Policy
	obs     ports.Observability

	closeOnce sync.Once
}

type mirrorLane struct {
	sink ports.Sink
	ch   chan []*domain.Measurement
	done chan struct{}
	obs  ports.Observability
}

func NewWriter(q ports.RecordQueue, primary ports.Sink, mirrors []ports.Sink, pol ports.Policy, obs ports.Observability) (*Writer, error) {
	if q == nil || primary == nil || obs == nil {
		return nil, fmt.Errorf("writer needs a queue, a primary sink and observability")
	}
	backlog := pol.MirrorBacklog
	if backlog <= 0 {
		backlog = defaultMirrorBacklog
	}

	w := &Writer{queue: q, primary: primary, pol: pol, obs: obs}
	for _, m := range mirrors {
		if m == nil {
			continue
		}
		lane := &mirrorLane{
			sink: m,
			ch:   make(chan []*domain.Measurement, backlog),
			done: make(chan struct{}),
			obs:  obs,
		}
		go lane.run()
		w.lanes = append(w.lanes, lane)
	}
	return w, nil
}

// Run loops until stop is closed, then drains whatever is still queued.
func (w *Writer) Run(stop <-chan struct{}) {
	idle := w.pol.IdleSleep
	if idle <= 0 {
		idle = 5 * time.Millisecond
	}

	for {
		select {
		case <-stop:
			for w.Flush() > 0 {
			}
			return
		default:
		}

		if w.Flush() == 0 {
			select {
			case <-stop:
			case <-time.After(idle):
			}
		}
	}
}

// Flush writes one batch and returns how many records it took off the queue.
func (w *Writer) Flush() int {
	batch := w.queue.DequeueBatch(w.pol.MaxBatchSize)
	if len(batch) == 0 {
		return 0
	}

	records := make([]*domain.Measurement, len(batch))
	for i, item := range batch {
		records[i] = item.Measurement
	}

	start := time.Now()
	err := w.primary.WriteBatch(records)
	w.obs.ObserveLatency(observability.MetricAppendLatency, time.Since(start).Seconds())

	for _, item := range batch {
		item.Pending.Resolve(err)
	}
	if err != nil {
		// keep going; later batches try again on their own
		return len(batch)
	}

	for _, lane := range w.lanes {
		select {
		case lane.ch <- records:
		default:
			lane.failed(ErrMirrorBacklogFull, len(records))
		}
	}
	return len(batch)
}

// Abandon resolves everything left in the queue with ErrWriterStopped.
func (w *Writer) Abandon() int {
	var n int
	for {
		batch := w.queue.DequeueBatch(0)
		if len(batch) == 0 {
			return n
		}
		for _, item := range batch {
			item.Pending.Resolve(ErrWriterStopped)
		}
		n += len(batch)
	}
}

// Close stops accepting mirror batches and waits until every mirror has
// written its backlog or ctx ends. Flush must not be called afterwards.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		for _, lane := range w.lanes {
			close(lane.ch)
		}
	})
	for _, lane := range w.lanes {
		select {
		case <-lane.done:
		case <-ctx.Done():
			return fmt.Errorf("mirror %s: %w", lane.sink.Name(), ctx.Err())
		}
	}
	return nil
}

func (l *mirrorLane) run() {
	defer close(l.done)
	for records := range l.ch {
		if err := l.sink.WriteBatch(records); err != nil {
			l.failed(err, len(records))
		}
	}
}

func (l *mirrorLane) failed(err error, n int) {
	l.obs.IncCounter(observability.MetricMirrorFailures, 1)
	l.obs.LogError("mirror_write_failed", err,
		ports.Field{Key: "sink", Value: l.sink.Name()},
		ports.Field{Key: "records", Value: n})
}

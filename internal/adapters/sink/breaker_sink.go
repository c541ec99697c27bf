package sink

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// ErrMirrorOpen is returned while the breaker is open and batches skip the mirror.
var ErrMirrorOpen = errors.New("mirror circuit open")

type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	// OnStateChange is optional.
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerSink stops calling a failing sink after MaxFailures consecutive
// errors and probes it again after OpenTimeout.
type BreakerSink struct {
	next ports.Sink
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerSink(next ports.Sink, s BreakerSettings) *BreakerSink {
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	maxFailures := s.MaxFailures
	return &BreakerSink{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        next.Name(),
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: s.OnStateChange,
		}),
	}
}

func (b *BreakerSink) Name() string { return b.next.Name() }

func (b *BreakerSink) State() gobreaker.State { return b.cb.State() }

func (b *BreakerSink) WriteBatch(records []*domain.Measurement) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.WriteBatch(records)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrMirrorOpen
	}
	return err
}

var _ ports.Sink = (*BreakerSink)(nil)

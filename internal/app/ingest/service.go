package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// Service validates device payloads and hands accepted measurements to the
// single writer through the record queue.
type Service struct {
	queue ports.RecordQueue
	pol   ports.Policy
	obs   ports.Observability
	now   func() time.Time
	seq   atomic.Uint64
}

type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(q ports.RecordQueue, pol ports.Policy, obs ports.Observability, opts ...Option) (*Service, error) {
	if q == nil {
		return nil, errors.New("record queue is required")
	}
	if obs == nil {
		return nil, errors.New("observability is required")
	}
	s := &Service{queue: q, pol: pol, obs: obs, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Submit validates payload, stamps the measurement once validation passed and
// queues it for appending. A validation failure returns a
// *domain.ValidationError and nothing is queued.
// On success the returned PendingAppend reports the append outcome; it may
// already be resolved with ErrQueueFull under the reject policy.
func (s *Service) Submit(payload any) (*domain.Measurement, *ports.PendingAppend, error) {
	m, err := domain.MeasurementFromPayload(payload, time.Time{})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			s.obs.RecordRejected(verr.Reason)
		}
		return nil, nil, err
	}
	m.Timestamp = s.now().UTC()

	s.obs.LogInfo(m.Summary())
	s.obs.IncCounter(observability.MetricAccepted, 1)

	seq := ports.RecordSeq(s.seq.Add(1))
	pending := ports.NewPendingAppend(seq)
	rec := ports.QueuedRecord{Seq: seq, Measurement: m, Pending: pending}

	if !s.enqueue(rec) {
		pending.Resolve(fmt.Errorf("%w (capacity %d)", ports.ErrQueueFull, s.pol.MaxQueueLen))
	}
	return m, pending, nil
}

// Observe waits for the append outcome and reports failures. Callers run it
// off the response path.
func (s *Service) Observe(p *ports.PendingAppend) {
	<-p.Done()
	if err := p.Err(); err != nil {
		s.obs.IncCounter(observability.MetricAppendFailures, 1)
		s.obs.LogError("log_append_failed", err, ports.Field{Key: "seq", Value: uint64(p.Seq())})
	}
}

// RecordMalformed counts a body the JSON decoder refused before validation.
func (s *Service) RecordMalformed() {
	s.obs.RecordRejected(domain.ReasonMalformedJSON)
}

func (s *Service) enqueue(rec ports.QueuedRecord) bool {
	sleep := s.pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	for {
		if s.queue.Enqueue(rec) {
			return true
		}

		switch s.pol.OnQueueFull {
		case "block":
			time.Sleep(sleep)
		case "reject":
			return false
		default:
			s.obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", s.pol.OnQueueFull))
			return false
		}
	}
}

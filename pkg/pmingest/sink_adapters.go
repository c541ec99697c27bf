package pmingest

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("pmingest: channel sink closed")

// MeasurementBatchSink is invoked with ordered batches that reached the data log.
type MeasurementBatchSink func([]Measurement) error

// NewCallbackSink adapts a MeasurementBatchSink into a Sink so callers can
// mirror records into arbitrary functions without defining structs.
func NewCallbackSink(name string, fn MeasurementBatchSink) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel; it returns the sink, the read-only channel,
// and a close function that the caller should invoke during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan []Measurement, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Measurement, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   MeasurementBatchSink
}

func (s *callbackSink) WriteBatch(records []*Measurement) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(records) == 0 {
		return nil
	}
	return s.fn(copyBatch(records))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []Measurement
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) WriteBatch(records []*Measurement) error {
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(records) == 0 {
		return nil
	}

	batch := copyBatch(records)

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

func copyBatch(records []*Measurement) []Measurement {
	out := make([]Measurement, len(records))
	for i, m := range records {
		out[i] = *m
	}
	return out
}

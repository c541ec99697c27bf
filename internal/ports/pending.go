package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is reported when the writer queue refused a record under the reject policy.
var ErrQueueFull = errors.New("pm-ingest: writer queue full")

// PersistenceError wraps any failure to append an accepted record to the data log.
type PersistenceError struct {
	Seq RecordSeq
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist record %d: %v", e.Seq, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PendingAppend is the result of one append, resolved exactly once by the writer.
type PendingAppend struct {
	seq  RecordSeq
	done chan struct{}
	once sync.Once
	err  error
}

func NewPendingAppend(seq RecordSeq) *PendingAppend {
	return &PendingAppend{seq: seq, done: make(chan struct{})}
}

func (p *PendingAppend) Seq() RecordSeq { return p.seq }

// Resolve records the outcome. Later calls are ignored.
func (p *PendingAppend) Resolve(err error) {
	p.once.Do(func() {
		if err != nil {
			p.err = &PersistenceError{Seq: p.seq, Err: err}
		}
		close(p.done)
	})
}

func (p *PendingAppend) Done() <-chan struct{} { return p.done }

// Err returns the outcome once Done is closed, nil before that.
func (p *PendingAppend) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the append is resolved or ctx ends.
func (p *PendingAppend) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

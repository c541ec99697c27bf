package pmingest

import (
	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// Measurement is one validated power meter reading.
type Measurement = domain.Measurement

// ValidationError explains why a payload was refused.
type ValidationError = domain.ValidationError

// PendingAppend reports whether an accepted measurement reached the data log.
type PendingAppend = ports.PendingAppend

// PersistenceError wraps a failed append.
type PersistenceError = ports.PersistenceError

// RecordQueue buffers accepted measurements for the writer.
type RecordQueue = ports.RecordQueue

// QueuedRecord is an item buffered inside the record queue.
type QueuedRecord = ports.QueuedRecord

// Sink persists batches of measurements.
type Sink = ports.Sink

// Observability emits logs and metrics about ingestion.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

var (
	// ErrInvalidMeasurement matches every ValidationError.
	ErrInvalidMeasurement = domain.ErrInvalidMeasurement
	// ErrQueueFull is reported through PendingAppend under the reject policy.
	ErrQueueFull = ports.ErrQueueFull
)

// TimestampLayout is the layout of the first column of every data log line.
const TimestampLayout = domain.TimestampLayout

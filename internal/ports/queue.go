package ports

import "github.com/pmlab/pm-ingest/internal/domain"

// RecordSeq numbers accepted measurements in arrival order for this process.
type RecordSeq uint64

type QueuedRecord struct {
	Seq         RecordSeq
	Measurement *domain.Measurement
	Pending     *PendingAppend
}

type RecordQueue interface {
	Enqueue(r QueuedRecord) bool
	DequeueBatch(max int) []QueuedRecord
	Len() int
}

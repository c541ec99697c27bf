package ports

import "github.com/pmlab/pm-ingest/internal/domain"

type Sink interface {
	WriteBatch(records []*domain.Measurement) error
	Name() string
}

// SinkStats is reported by sinks backed by a local file.
type SinkStats struct {
	SizeBytes     int64
	LinesAppended uint64
}

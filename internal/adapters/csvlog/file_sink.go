package csvlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// EnsureHeader creates the data log with its header line when the file does
// not exist yet or is empty. Existing content is never modified.
func EnsureHeader(path string) (created bool, err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return false, err
	}
	if stat.Size() > 0 {
		return false, nil
	}

	if _, err := io.WriteString(f, domain.CSVHeader+"\n"); err != nil {
		return false, fmt.Errorf("write header: %w", err)
	}
	return true, f.Sync()
}

// FileSink appends measurements to the CSV data log. The file is opened for
// each batch and closed before WriteBatch returns.
type FileSink struct {
	mu    sync.Mutex
	path  string
	sync  bool
	lines uint64
}

func NewFileSink(path string, syncWrites bool) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("data log path is required")
	}
	return &FileSink{path: path, sync: syncWrites}, nil
}

func (s *FileSink) Name() string { return "csvlog" }

func (s *FileSink) Path() string { return s.path }

// WriteBatch appends one line per record with a single write call.
func (s *FileSink) WriteBatch(records []*domain.Measurement) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(len(records) * 96)
	for _, m := range records {
		buf.WriteString(m.CSVLine())
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.lines += uint64(len(records))
	return nil
}

func (s *FileSink) Stats() ports.SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ports.SinkStats{LinesAppended: s.lines}
	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st
}

var _ ports.Sink = (*FileSink)(nil)

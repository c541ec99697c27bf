package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTableName reports whether name can be spliced into SQL as a table identifier.
func ValidTableName(name string) bool { return identRe.MatchString(name) }

const (
	insertColumns = 8
	// PostgreSQL caps a statement at 65535 bind parameters.
	maxInsertRows = 65535 / insertColumns

	DefaultWriteTimeout = 5 * time.Second
)

// PostgresSink mirrors accepted measurements into a PostgreSQL table. The CSV
// data log stays the system of record.
type PostgresSink struct {
	db           *sql.DB
	tableName    string
	writeTimeout time.Duration
	rowsPerStmt  int
}

// NewPostgresSink bounds every WriteBatch by writeTimeout (DefaultWriteTimeout when <= 0).
func NewPostgresSink(db *sql.DB, table string, writeTimeout time.Duration) (*PostgresSink, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &PostgresSink{db: db, tableName: table, writeTimeout: writeTimeout, rowsPerStmt: maxInsertRows}, nil
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+p.tableName+
		" (ts TIMESTAMPTZ NOT NULL, vrms_current DOUBLE PRECISION NOT NULL, vrms_sensor DOUBLE PRECISION NOT NULL,"+
		" vrms_grid DOUBLE PRECISION NOT NULL, irms DOUBLE PRECISION NOT NULL, p DOUBLE PRECISION NOT NULL,"+
		" s DOUBLE PRECISION NOT NULL, pf DOUBLE PRECISION NOT NULL)")
	return err
}

// WriteBatch inserts records with as few multi-row INSERTs as the bind
// parameter limit allows, all under one deadline.
func (p *PostgresSink) WriteBatch(records []*domain.Measurement) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	for start := 0; start < len(records); start += p.rowsPerStmt {
		end := min(start+p.rowsPerStmt, len(records))
		query, args := p.insertStatement(records[start:end])
		if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rows %d-%d of %d: %w", start, end, len(records), err)
		}
	}
	return nil
}

func (p *PostgresSink) insertStatement(records []*domain.Measurement) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (ts, vrms_current, vrms_sensor, vrms_grid, irms, p, s, pf) VALUES ")

	args := make([]any, 0, len(records)*insertColumns)
	for i, m := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= insertColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")

		args = append(args, m.Timestamp.UTC())
		for _, v := range m.Values() {
			args = append(args, v)
		}
	}
	return b.String(), args
}

var _ ports.Sink = (*PostgresSink)(nil)

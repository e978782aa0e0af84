package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/slotscope/internal/event"
)

// PGConfig holds configuration for the Postgres sink
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches snapshots into a JSONB table. The score and label are
// duplicated into columns for querying without unpacking the payload.
type PGSink struct {
	config PGConfig
	db     *sql.DB

	mu    sync.Mutex
	batch []event.Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var snapshotColumns = []string{"session_id", "seq", "ts", "hotness_score", "hotness_label", "payload"}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	defaultPGTable     = "slotscope_snapshots"
	defaultPGBatchSize = 200
	defaultPGFlushMS   = 1000

	maxPendingBatches = 10
)

// NewPGSinkFromEnv creates a PGSink from PG_* environment variables
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       getEnvOr("PG_DSN", "postgres://localhost:5432/slotscope?sslmode=disable"),
		Table:     getEnvOr("PG_TABLE", defaultPGTable),
		BatchSize: getIntEnv("PG_BATCH_SIZE", defaultPGBatchSize),
		FlushMS:   getIntEnv("PG_FLUSH_MS", defaultPGFlushMS),
		UseCopy:   getBoolEnv("PG_COPY", true),
	}}
}

// NewPGSink creates a PGSink with default batching for dsn
func NewPGSink(dsn string) *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       dsn,
		Table:     defaultPGTable,
		BatchSize: defaultPGBatchSize,
		FlushMS:   defaultPGFlushMS,
		UseCopy:   true,
	}}
}

func (s *PGSink) Name() string { return "postgres" }

// validateTableName only admits plain identifiers, since the table name is
// interpolated into SQL
func validateTableName(name string) error {
	if name == "" || len(name) > 63 || !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.db = db
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.ensureSchema(); err != nil {
		s.cancel()
		db.Close()
		return err
	}

	s.done = make(chan struct{})
	go s.flushRoutine()
	return nil
}

func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	ctx := s.opCtx()
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	hotness_score DOUBLE PRECISION NOT NULL,
	hotness_label TEXT NOT NULL,
	payload JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, t)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t, err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", t, t),
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", t, err)
		}
	}
	return nil
}

// Enqueue adds a snapshot to the batch and flushes once the batch is full
func (s *PGSink) Enqueue(snap event.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// While the database is unreachable keep at most maxPendingBatches batches.
	if limit := s.config.BatchSize * maxPendingBatches; limit > 0 && len(s.batch) >= limit {
		s.batch = s.batch[1:]
	}
	s.batch = append(s.batch, snap)
	if len(s.batch) < s.config.BatchSize {
		return nil
	}
	return s.flushLocked()
}

func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the batch; on error the batch is kept for the next try
func (s *PGSink) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy()
	} else {
		err = s.flushWithInsert()
	}
	if err != nil {
		return err
	}
	s.batch = s.batch[:0]
	return nil
}

func rowValues(snap event.Snapshot) ([]any, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot %d: %w", snap.Seq, err)
	}
	ts := snap.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return []any{snap.SessionID, snap.Seq, ts, snap.Value, string(snap.Label), string(payload)}, nil
}

func (s *PGSink) flushWithInsert() error {
	if len(s.batch) == 0 {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.config.Table, strings.Join(snapshotColumns, ", "))

	args := make([]any, 0, len(s.batch)*len(snapshotColumns))
	for i, snap := range s.batch {
		vals, err := rowValues(snap)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range vals {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteString(")")
		args = append(args, vals...)
	}

	if _, err := s.db.ExecContext(s.opCtx(), sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d snapshots: %w", len(s.batch), err)
	}
	return nil
}

func (s *PGSink) flushWithCopy() error {
	if len(s.batch) == 0 {
		return nil
	}
	ctx := s.opCtx()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.config.Table, snapshotColumns...))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, snap := range s.batch {
		vals, err := rowValues(snap)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to copy snapshot: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit copy: %w", err)
	}
	return nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	interval := time.Duration(s.config.FlushMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultPGFlushMS * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.flushBatch(); err != nil {
				log.Printf("pgsink: periodic flush: %v", err)
			}
		}
	}
}

// opCtx is the sink's context while running, and a fresh one for the
// final flush after shutdown has begun
func (s *PGSink) opCtx() context.Context {
	if s.ctx == nil || s.ctx.Err() != nil {
		return context.Background()
	}
	return s.ctx
}

func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	var flushErr error
	if s.db != nil {
		flushErr = s.flushBatch()
		if err := s.db.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	return flushErr
}

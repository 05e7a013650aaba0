// Package journal persists a durable record of memory operations.
//
// Every capture decision, store, recall, and server lifecycle event is
// appended as a row. Raw conversation text is never written; entries carry
// a content hash so repeated captures of the same text can be correlated
// without retaining the text itself.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halvard/mimir/internal/observability"
	"github.com/halvard/mimir/internal/tracing"
)

// Entry kinds.
const (
	KindCaptureDecision = "capture_decision"
	KindCaptureStore    = "capture_store"
	KindRecall          = "recall"
	KindForget          = "forget"
	KindServerEvent     = "server_event"
)

// Entry is a single journal row.
type Entry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	URI       string    `json:"uri,omitempty"`
	TextHash  string    `json:"text_hash,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds journal configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
	// Tap receives each entry after it is persisted. It runs on the
	// recording goroutine and must not block.
	Tap func(Entry)
}

// Journal is an append-only operations log backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
	tap    func(Entry)
}

// New opens or creates the journal database at cfg.Path.
func New(cfg Config) (*Journal, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: cfg.Logger.With().Str("component", "journal").Logger(),
		tap:    cfg.Tap,
	}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL DEFAULT '',
			text_hash TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
		CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
	`

	_, err := j.db.Exec(schema)
	return err
}

// HashText returns the hex SHA-256 digest recorded in place of raw text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Record appends an entry. ID and CreatedAt are filled when empty so
// callers only set what they know.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if entry.Kind == "" {
		return errors.New("entry kind is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.RunID == "" {
		entry.RunID = tracing.GetRunID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent(entry.Kind, trace.WithAttributes(
			attribute.String("journal.reason", entry.Reason),
			attribute.String("journal.uri", entry.URI),
		))
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO entries (id, run_id, kind, reason, uri, text_hash, score, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.RunID, entry.Kind, entry.Reason, entry.URI, entry.TextHash, entry.Score, entry.Detail, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}

	observability.RecordJournalEvent(entry.Kind)
	if j.tap != nil {
		j.tap(entry)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, run_id, kind, reason, uri, text_hash, score, detail, created_at FROM entries ORDER BY created_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Reason, &e.URI, &e.TextHash, &e.Score, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CountByKind returns entry counts grouped by kind.
func (j *Journal) CountByKind(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM entries GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}

	return counts, rows.Err()
}

// Prune deletes entries older than the retention window and returns how
// many rows were removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}

	cutoff := time.Now().Add(-retention).Unix()
	result, err := j.db.ExecContext(ctx, "DELETE FROM entries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	deleted := int(affected)
	if deleted > 0 {
		j.logger.Info().Int("deleted", deleted).Msg("Pruned journal entries")
	}
	observability.RecordJournalPrune(deleted)

	return deleted, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"jobledger/core/events"
	"jobledger/core/types"
)

// Archive persists every marketplace event to a SQLite-backed audit log.
type Archive struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("archive storage path must be configured")
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve archive path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open initialises the archive using a sqlite-compatible DSN.
func Open(path string) (*Archive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases database resources.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Record captures a row retrieved from the audit log.
type Record struct {
	ID         string
	Type       string
	Attributes map[string]string
	ReceivedAt time.Time
}

// Record persists a single event with the supplied receipt timestamp.
func (a *Archive) Record(ctx context.Context, evt events.Event, received time.Time) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive not configured")
	}
	if evt == nil {
		return fmt.Errorf("event required")
	}
	eventType := evt.EventType()
	attrs := map[string]string{}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			if payload.Type != "" {
				eventType = payload.Type
			}
			for key, value := range payload.Attributes {
				attrs[key] = value
			}
		}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if received.IsZero() {
		received = time.Now()
	}
	_, err = a.db.ExecContext(ctx, `
        INSERT INTO event_log(id, event_type, attributes, received_at)
        VALUES(?, ?, ?, ?)
    `, uuid.NewString(), eventType, string(encoded), received.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsByType returns archived rows of the given type in insertion order.
func (a *Archive) EventsByType(ctx context.Context, eventType string) ([]Record, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT id, event_type, attributes, received_at
        FROM event_log
        WHERE event_type = ?
        ORDER BY seq ASC
    `, strings.TrimSpace(eventType))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// All returns every archived row in insertion order.
func (a *Archive) All(ctx context.Context) ([]Record, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT id, event_type, attributes, received_at
        FROM event_log
        ORDER BY seq ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count reports the number of archived rows.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	if a == nil || a.db == nil {
		return 0, fmt.Errorf("archive not configured")
	}
	row := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			encoded string
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &encoded, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if encoded != "" {
			if err := json.Unmarshal([]byte(encoded), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    received_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type, seq);
`

// Emitter forwards events to the archive and any downstream emitters. Archive
// failures are logged rather than surfaced so engine operations never fail on
// audit persistence.
type Emitter struct {
	archive *Archive
	next    []events.Emitter
	logger  *slog.Logger
}

// NewEmitter wires the archive in front of optional downstream emitters.
func NewEmitter(archive *Archive, next ...events.Emitter) *Emitter {
	return &Emitter{archive: archive, next: next, logger: slog.Default()}
}

// SetLogger overrides the logger used for archive failures.
func (e *Emitter) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Emit implements events.Emitter.
func (e *Emitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	if e.archive != nil {
		if err := e.archive.Record(context.Background(), evt, time.Now()); err != nil {
			e.log().Error("archive: record event", "type", evt.EventType(), "error", err)
		}
	}
	for _, emitter := range e.next {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

func (e *Emitter) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one published recognizer event kept for history replay.
type Record struct {
	ID        int64
	StreamID  string
	Handle    string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps the message history of recognized streams in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store. With retention "ephemeral" nothing is written.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS streams (
    stream_id TEXT PRIMARY KEY,
    node_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    handle TEXT NOT NULL,
    utterance_key TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(stream_id) REFERENCES streams(stream_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_stream_created ON events(stream_id, created_at, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendStream registers a stream so its events can be pruned together.
func (s *Store) AppendStream(ctx context.Context, streamID, nodeID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(stream_id, node_id, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET node_id=excluded.node_id`,
		streamID, nodeID, s.clock().UTC().UnixNano())
	return err
}

// AppendEvent writes one event; the stream row is created on demand.
func (s *Store) AppendEvent(ctx context.Context, rec Record) error {
	if !s.Enabled() {
		return nil
	}
	if rec.StreamID == "" {
		return errors.New("event record without stream id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streams(stream_id, created_at) VALUES(?, ?) ON CONFLICT(stream_id) DO NOTHING`,
		rec.StreamID, rec.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(stream_id, handle, utterance_key, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		rec.StreamID, rec.Handle, rec.Key, rec.Payload, rec.CreatedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStreamEvents returns up to limit events of a stream in publish order.
func (s *Store) ListStreamEvents(ctx context.Context, streamID string, limit int) ([]Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, handle, utterance_key, payload, created_at
		 FROM events WHERE stream_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			key     sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &r.StreamID, &r.Handle, &key, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.Key = key.String
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies the configured retention to streams and their events.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id IN (
			SELECT stream_id FROM streams ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

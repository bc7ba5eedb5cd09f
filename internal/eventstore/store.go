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

	"github.com/loqalabs/loqa-edge/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one journal entry of the pipeline timeline.
type Event struct {
	ID        int64     `json:"id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind,omitempty"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn summarises one generation turn.
type Turn struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	Outcome    string    `json:"outcome,omitempty"`
	Tokens     int       `json:"tokens"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store keeps a diagnostic SQLite journal of turns and their events. Nothing
// in it is ever read back into pipeline state.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    prompt TEXT,
    outcome TEXT,
    tokens INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT,
    event_type TEXT NOT NULL,
    kind TEXT,
    text TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_turn_created ON events(turn_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock().UTC()
	}
	return t.UTC()
}

// StartTurn records the beginning of a generation turn.
func (s *Store) StartTurn(ctx context.Context, turnID, prompt string, at time.Time) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, prompt, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET prompt=excluded.prompt`,
		turnID, prompt, s.now(at).UnixNano())
	return err
}

// FinishTurn records how a turn ended.
func (s *Store) FinishTurn(ctx context.Context, turnID, outcome string, tokens int, at time.Time) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET outcome = ?, tokens = ?, finished_at = ? WHERE turn_id = ?`,
		outcome, tokens, s.now(at).UnixNano(), turnID)
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(turn_id, event_type, kind, text, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.TurnID, evt.Type, evt.Kind, evt.Text, s.now(evt.CreatedAt).UnixNano())
	return err
}

// ListTurnEvents retrieves up to limit events for a turn ordered by time.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, event_type, kind, text, created_at
		 FROM events WHERE turn_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var turn, kind, text sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &turn, &e.Type, &kind, &text, &created); err != nil {
			return nil, err
		}
		e.TurnID, e.Kind, e.Text = turn.String, kind.String, text.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentTurns lists up to limit turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, prompt, outcome, tokens, started_at, finished_at
		 FROM turns ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var prompt, outcome sql.NullString
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&t.ID, &prompt, &outcome, &t.Tokens, &started, &finished); err != nil {
			return nil, err
		}
		t.Prompt, t.Outcome = prompt.String, outcome.String
		t.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE turn_id <> '' AND turn_id NOT IN (SELECT turn_id FROM turns)`)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

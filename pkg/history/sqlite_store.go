package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/voicebot/internal/errs"
)

// SchemaVersion is the latest SQLite schema version.
const SchemaVersion = 1

// SQLiteStore keeps conversations in SQLite. Appends and deletes each run
// in one transaction.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	artifacts ArtifactRemover
	logger    *slog.Logger
	now       func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errs.New(errs.ConfigurationError, "history database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), historyDirMode); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	// Immediate transactions take the write lock up front so a read of
	// MAX(timestamp) cannot go stale before the insert.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	o := buildOptions("history.sqlite", opts)
	return &SQLiteStore{
		db:        db,
		path:      path,
		artifacts: o.artifacts,
		logger:    o.logger,
		now:       o.now,
	}, nil
}

func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS conversations (
		  id         TEXT PRIMARY KEY,
		  timestamp  TEXT NOT NULL UNIQUE,
		  created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
		  conversation_id TEXT NOT NULL,
		  seq             INTEGER NOT NULL,
		  role            TEXT NOT NULL,
		  content         TEXT NOT NULL,
		  audio_file      TEXT,
		  PRIMARY KEY (conversation_id, seq)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func verifyWALMode(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("verify journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", mode)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, turns []Turn) (Conversation, error) {
	if err := validateTurns(turns); err != nil {
		return Conversation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, errs.Wrap(errs.PersistenceFailure, "begin append", err)
	}
	defer tx.Rollback()

	var last sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM conversations`).Scan(&last); err != nil {
		return Conversation{}, errs.Wrap(errs.PersistenceFailure, "read last timestamp", err)
	}

	now := s.now()
	conv := Conversation{
		ID:        uuid.NewString(),
		Timestamp: nextTimestamp(now, last.String),
		Turns:     append([]Turn(nil), turns...),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, timestamp, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Timestamp, now.UnixMicro(),
	); err != nil {
		return Conversation{}, errs.Wrap(errs.PersistenceFailure, "insert conversation", err)
	}

	for i, t := range conv.Turns {
		var audio sql.NullString
		if t.AudioRef != "" {
			audio = sql.NullString{String: t.AudioRef, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, audio_file) VALUES (?, ?, ?, ?, ?)`,
			conv.ID, i, string(t.Role), t.Text, audio,
		); err != nil {
			return Conversation{}, errs.Wrap(errs.PersistenceFailure, "insert message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, errs.Wrap(errs.PersistenceFailure, "commit append", err)
	}

	s.logger.Debug("conversation saved", "id", conv.ID, "timestamp", conv.Timestamp, "turns", len(conv.Turns))
	return conv, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Conversation, error) {
	return s.load(ctx, s.db, `SELECT id, timestamp FROM conversations ORDER BY timestamp, id`)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultRecent
	}
	return s.load(ctx, s.db, `
		SELECT id, timestamp FROM (
		  SELECT id, timestamp FROM conversations ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp, id`, limit)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	removed, err := s.deleteWhere(ctx, `SELECT id, timestamp FROM conversations WHERE id = ? OR timestamp = ?`, key, key)
	if err != nil {
		return false, err
	}
	if len(removed) == 0 {
		return false, nil
	}

	removeArtifacts(s.logger, s.artifacts, removed)
	s.logger.Info("conversation deleted", "key", key)
	return true, nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	removed, err := s.deleteWhere(ctx, `SELECT id, timestamp FROM conversations`)
	if err != nil {
		return err
	}

	n := clearArtifacts(s.logger, s.artifacts, removed)
	s.logger.Info("history cleared", "conversations", len(removed), "artifacts", n)
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// deleteWhere loads the conversations selected by query and deletes them
// in the same transaction.
func (s *SQLiteStore) deleteWhere(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "begin delete", err)
	}
	defer tx.Rollback()

	convs, err := s.load(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}

	ids := make([]any, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id IN `+in, ids...); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id IN `+in, ids...); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "delete conversations", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "commit delete", err)
	}
	return convs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// load runs a query yielding (id, timestamp) rows and attaches messages.
func (s *SQLiteStore) load(ctx context.Context, q querier, query string, args ...any) ([]Conversation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "query conversations", err)
	}

	var (
		convs []Conversation
		index = map[string]int{}
	)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Timestamp); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.PersistenceFailure, "scan conversation", err)
		}
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Wrap(errs.PersistenceFailure, "iterate conversations", err)
	}
	rows.Close()

	if len(convs) == 0 {
		return []Conversation{}, nil
	}

	ids := make([]any, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"

	msgRows, err := q.QueryContext(ctx,
		`SELECT conversation_id, role, content, audio_file FROM messages WHERE conversation_id IN `+in+` ORDER BY conversation_id, seq`,
		ids...)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "query messages", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			convID, role, content string
			audio                 sql.NullString
		)
		if err := msgRows.Scan(&convID, &role, &content, &audio); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "scan message", err)
		}
		i, ok := index[convID]
		if !ok {
			continue
		}
		convs[i].Turns = append(convs[i].Turns, Turn{Role: Role(role), Text: content, AudioRef: audio.String})
	}
	if err := msgRows.Err(); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "iterate messages", err)
	}
	return convs, nil
}

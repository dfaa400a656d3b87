package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/chaincord/internal/domain"
	"github.com/ashureev/chaincord/internal/shared"
	_ "modernc.org/sqlite"
)

// MaxRecentReplies caps RecentReplies.
const MaxRecentReplies = 500

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS replies (
		request_id TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		model TEXT NOT NULL,
		finish_reason TEXT,
		reply_ids_json TEXT NOT NULL,
		pages INTEGER NOT NULL,
		characters INTEGER NOT NULL,
		chain_length INTEGER NOT NULL,
		warnings_json TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replies_created ON replies(created_at);

	CREATE TABLE IF NOT EXISTS reply_messages (
		message_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES replies(request_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_reply_messages_request ON reply_messages(request_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordReply stores one reply row and indexes its message ids.
func (s *SQLiteStore) RecordReply(ctx context.Context, rec *domain.ReplyRecord) error {
	replyIDs, err := json.Marshal(nonNil(rec.ReplyIDs))
	if err != nil {
		return fmt.Errorf("encode reply ids: %w", err)
	}
	warnings, err := json.Marshal(nonNil(rec.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return withBusyRetry(ctx, "record reply", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
		INSERT INTO replies (
			request_id, trigger_id, channel_id, author_id, model, finish_reason,
			reply_ids_json, pages, characters, chain_length, warnings_json,
			partial, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			finish_reason = excluded.finish_reason,
			reply_ids_json = excluded.reply_ids_json,
			pages = excluded.pages,
			characters = excluded.characters,
			chain_length = excluded.chain_length,
			warnings_json = excluded.warnings_json,
			partial = excluded.partial,
			error = excluded.error`

		if _, err := tx.ExecContext(ctx, query,
			rec.RequestID, rec.TriggerID, rec.ChannelID, rec.AuthorID, rec.Model, nullString(rec.FinishReason),
			string(replyIDs), rec.Pages, rec.Characters, rec.ChainLength, string(warnings),
			rec.Partial, nullString(rec.Error), createdAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert reply: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM reply_messages WHERE request_id = ?`, rec.RequestID); err != nil {
			return fmt.Errorf("clear reply messages: %w", err)
		}
		for _, id := range rec.ReplyIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO reply_messages (message_id, request_id) VALUES (?, ?)`,
				id, rec.RequestID,
			); err != nil {
				return fmt.Errorf("index reply message: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reply: %w", err)
		}
		return nil
	})
}

const replyColumns = `
	request_id, trigger_id, channel_id, author_id, model, finish_reason,
	reply_ids_json, pages, characters, chain_length, warnings_json,
	partial, error, created_at`

// RecentReplies returns up to limit rows, newest first.
func (s *SQLiteStore) RecentReplies(ctx context.Context, limit int) ([]*domain.ReplyRecord, error) {
	if limit <= 0 || limit > MaxRecentReplies {
		limit = MaxRecentReplies
	}
	query := `SELECT ` + replyColumns + ` FROM replies ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent replies: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent replies rows", "error", closeErr)
		}
	}()

	var out []*domain.ReplyRecord
	for rows.Next() {
		rec, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent replies: %w", err)
	}
	return out, nil
}

// ReplyByMessage finds the row that produced a reply message. It returns nil
// when the message is unknown.
func (s *SQLiteStore) ReplyByMessage(ctx context.Context, messageID string) (*domain.ReplyRecord, error) {
	query := `SELECT ` + replyColumns + ` FROM replies
		WHERE request_id = (SELECT request_id FROM reply_messages WHERE message_id = ?)`

	rec, err := scanReply(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// PruneReplies deletes rows created before the cutoff.
func (s *SQLiteStore) PruneReplies(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := withBusyRetry(ctx, "prune replies", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		cutoff := before.UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM reply_messages WHERE request_id IN (SELECT request_id FROM replies WHERE created_at < ?)`,
			cutoff,
		); err != nil {
			return fmt.Errorf("prune reply messages: %w", err)
		}
		result, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune replies: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReply(row rowScanner) (*domain.ReplyRecord, error) {
	var (
		rec                    domain.ReplyRecord
		finishReason, errText  sql.NullString
		replyIDsJSON, warnJSON string
		createdAt              int64
	)
	err := row.Scan(
		&rec.RequestID, &rec.TriggerID, &rec.ChannelID, &rec.AuthorID, &rec.Model, &finishReason,
		&replyIDsJSON, &rec.Pages, &rec.Characters, &rec.ChainLength, &warnJSON,
		&rec.Partial, &errText, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan reply row: %w", err)
	}

	rec.FinishReason = finishReason.String
	rec.Error = errText.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(replyIDsJSON), &rec.ReplyIDs); err != nil {
		return nil, fmt.Errorf("decode reply ids: %w", err)
	}
	if err := json.Unmarshal([]byte(warnJSON), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	return &rec, nil
}

// withBusyRetry retries op with exponential backoff while SQLite reports
// lock contention.
func withBusyRetry(ctx context.Context, name string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := range maxRetries {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

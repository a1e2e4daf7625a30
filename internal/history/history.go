// Package history archives finished turns in SQLite. The default DSN keeps the
// archive in process memory; a file path makes it survive restarts. If the
// database cannot be opened the archive falls back to a plain slice.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/stream"
)

// MemoryDSN is the in-process database.
const MemoryDSN = ":memory:"

const schema = `CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	citations TEXT,
	has_image INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session ON messages (session_id, id);`

// Archive stores messages of finished turns.
type Archive struct {
	db *sql.DB

	mu       sync.Mutex
	messages []Entry // used when db is nil
	nextID   int64
}

// Open opens the archive at dsn. It never fails: on error the archive keeps
// entries in memory and the cause is logged.
func Open(dsn string) *Archive {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := openDB(dsn)
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "dsn", dsn, "error", err)
		return &Archive{}
	}
	logger.L.Info("sqlite history DB initialized", "dsn", dsn)
	return &Archive{db: db}
}

func openDB(dsn string) (*sql.DB, error) {
	source := dsn
	if dsn != MemoryDSN {
		source = "file:" + dsn + "?_pragma=busy_timeout(10000)"
	}
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, err
	}
	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// Persistent reports whether entries go to SQLite.
func (a *Archive) Persistent() bool { return a.db != nil }

// Save appends entries in order.
func (a *Archive) Save(ctx context.Context, entries ...Entry) error {
	if a.db == nil {
		a.saveMemory(entries)
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		var citations []byte
		if len(e.Citations) > 0 {
			if citations, err = json.Marshal(e.Citations); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, message_id, role, content, citations, has_image, created_at) VALUES (?,?,?,?,?,?,?);`,
			e.SessionID, e.MessageID, e.Role, e.Content, string(citations), e.HasImage, e.CreatedAt.UnixMilli())
		if err != nil {
			logger.ForSession(e.SessionID).Error("failed to store message in sqlite", "error", err)
			return err
		}
	}
	return tx.Commit()
}

func (a *Archive) saveMemory(entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		a.nextID++
		e.ID = a.nextID
		a.messages = append(a.messages, e)
	}
}

// List returns the archived messages of a session in the order they were saved.
func (a *Archive) List(ctx context.Context, sessionID string) ([]Entry, error) {
	if a.db == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		var out []Entry
		for _, m := range a.messages {
			if m.SessionID == sessionID {
				out = append(out, m)
			}
		}
		return out, nil
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, role, content, citations, has_image, created_at FROM messages WHERE session_id = ? ORDER BY id ASC;`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			citations sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Role, &e.Content, &citations, &e.HasImage, &createdAt); err != nil {
			return nil, err
		}
		if citations.String != "" {
			var list []stream.Citation
			if err := json.Unmarshal([]byte(citations.String), &list); err != nil {
				return nil, fmt.Errorf("decode citations of message %d: %w", e.ID, err)
			}
			e.Citations = list
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSession removes every archived message of a session.
func (a *Archive) DeleteSession(ctx context.Context, sessionID string) error {
	if a.db == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		kept := a.messages[:0]
		for _, m := range a.messages {
			if m.SessionID != sessionID {
				kept = append(kept, m)
			}
		}
		a.messages = kept
		return nil
	}
	_, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, sessionID)
	return err
}

// Close releases the database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

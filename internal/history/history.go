// Package history persists chat sessions and messages, and exposes the
// bounded most-recent-k view the answer pipeline uses as conversation memory.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ragchat/internal/helper"
)

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// OwnerUnauthenticated marks sessions created without a user identity.
const OwnerUnauthenticated = "unauthenticated"

// PersistenceError reports a chat storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("history %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation. Never mutated after creation.
type Session struct {
	bun.BaseModel `bun:"table:chat_sessions,alias:cs"`

	ID        string    `bun:"id,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	Owner     string    `bun:"owner,notnull"`
}

// Message is one turn. Immutable once written; ordered by timestamp within a
// session.
type Message struct {
	bun.BaseModel `bun:"table:chat_messages,alias:cm"`

	ID        string    `bun:"id,pk"`
	Timestamp time.Time `bun:"timestamp,notnull"`
	SessionID string    `bun:"session_id,notnull"`
	Sender    string    `bun:"sender,notnull"`
	Content   string    `bun:"content,notnull"`
}

// Store manages session persistence. Reads and writes for the same session
// must be serialized by the caller; the pipeline runs at most one in-flight
// answer per session. Different sessions are fully independent.
type Store struct {
	db     *bun.DB
	window int
}

// New creates a Store. window is the maximum number of messages History
// returns per session.
func New(db *bun.DB, window int) *Store {
	if window <= 0 {
		window = 5
	}
	return &Store{db: db, window: window}
}

// Init creates the session and message tables.
func (s *Store) Init(ctx context.Context) error {
	for _, model := range []interface{}{(*Session)(nil), (*Message)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return &PersistenceError{Op: "init", Err: err}
		}
	}
	return nil
}

// CreateSession starts a new conversation and returns its id.
func (s *Store) CreateSession(ctx context.Context, owner string) (string, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return "", err
	}
	if owner == "" {
		owner = OwnerUnauthenticated
	}
	session := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Owner:     owner,
	}
	if _, err := s.db.NewInsert().Model(session).Exec(ctx); err != nil {
		return "", &PersistenceError{Op: "create session", Err: err}
	}
	return id, nil
}

// GetSession looks up an existing session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session := new(Session)
	err := s.db.NewSelect().Model(session).Where("id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get session", Err: err}
	}
	return session, nil
}

// Append stores one message. Append-only: messages are never updated.
func (s *Store) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			return err
		}
		msg.ID = id
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(msg).Exec(ctx); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	return nil
}

// History returns at most the window's worth of most recent messages for a
// session, oldest first. A session with no messages yields an empty slice.
func (s *Store) History(ctx context.Context, sessionID string) ([]Message, error) {
	var rows []Message
	err := s.db.NewSelect().
		Model(&rows).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(s.window).
		Scan(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}

	// Reverse into chronological order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"llm-playground/internal/domain"
)

// Lease timing for store owners. A handle refreshes its lease every
// leaseRefresh; a lease older than leaseTTL belongs to a dead process.
const (
	leaseRefresh = 10 * time.Second
	leaseTTL     = 3 * leaseRefresh
)

// SQLiteStore implements domain.ConversationRepository on a local SQLite file.
// Every write runs in its own transaction.
//
// Several processes may share one file. Each handle holds a lease row and
// stamps the messages it appends with its owner token, so only messages whose
// owner has no live lease are treated as interrupted.
type SQLiteStore struct {
	db    *sql.DB
	owner string

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSQLite opens (or creates) the database at dbPath and runs the schema
// migration. Messages left pending or streaming by a process that no longer
// holds a lease are marked failed.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection keeps per-connection pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		owner: ulid.Make().String(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := s.acquireLease(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recoverInterrupted(ctx); err != nil {
		db.Close()
		return nil, err
	}
	go s.heartbeat()
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			provider   TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			base_url   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			UNIQUE (conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS store_owners (
			token        TEXT PRIMARY KEY,
			pid          INTEGER NOT NULL,
			heartbeat_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return addColumn(ctx, db, "messages", "owner", "TEXT NOT NULL DEFAULT ''")
}

// addColumn adds column to table unless a previous migration already did.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *SQLiteStore) acquireLease(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO store_owners (token, pid, heartbeat_at) VALUES (?, ?, ?)",
		s.owner, os.Getpid(), timestamp(time.Now()),
	)
	return domain.NewPersistenceError("acquire store lease", err)
}

// heartbeat keeps the lease fresh until Close.
func (s *SQLiteStore) heartbeat() {
	defer close(s.done)
	ticker := time.NewTicker(leaseRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), leaseRefresh)
			// A lease dropped as stale while this process was suspended is
			// taken back so later runs are protected again.
			_, _ = s.db.ExecContext(ctx,
				"INSERT INTO store_owners (token, pid, heartbeat_at) VALUES (?, ?, ?) ON CONFLICT(token) DO UPDATE SET heartbeat_at = excluded.heartbeat_at",
				s.owner, os.Getpid(), timestamp(time.Now()),
			)
			cancel()
		}
	}
}

// recoverInterrupted fails pending and streaming messages whose owner holds
// no live lease, then drops the expired leases.
func (s *SQLiteStore) recoverInterrupted(ctx context.Context) error {
	now := time.Now()
	cutoff := timestamp(now.Add(-leaseTTL))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ?
			 WHERE status IN (?, ?)
			   AND owner NOT IN (SELECT token FROM store_owners WHERE heartbeat_at >= ?)`,
			string(domain.StatusFailed), timestamp(now),
			string(domain.StatusPending), string(domain.StatusStreaming), cutoff,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM store_owners WHERE heartbeat_at < ?", cutoff)
		return err
	})
	return domain.NewPersistenceError("recover interrupted messages", err)
}

// Close releases the lease and closes the database. Messages this handle
// appended and never finished are marked failed, since no one else may
// write them.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		ctx := context.Background()
		releaseErr := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET status = ?, updated_at = ? WHERE owner = ? AND status IN (?, ?)",
				string(domain.StatusFailed), timestamp(time.Now()), s.owner,
				string(domain.StatusPending), string(domain.StatusStreaming),
			); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM store_owners WHERE token = ?", s.owner)
			return err
		})
		err = errors.Join(domain.NewPersistenceError("release store lease", releaseErr), s.db.Close())
	})
	return err
}

// CreateConversation inserts conv, assigning an ID and timestamps when unset.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, title, provider, model, base_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		conv.ID, conv.Title, conv.Provider, conv.Model, conv.BaseURL, timestamp(now), timestamp(now),
	)
	return domain.NewPersistenceError("create conversation", err)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, provider, model, base_url, created_at, updated_at FROM conversations WHERE id = ?", id,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.GetConversation", domain.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, domain.NewPersistenceError("get conversation", err)
	}
	return conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, provider, model, base_url, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id",
	)
	if err != nil {
		return nil, domain.NewPersistenceError("list conversations", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, domain.NewPersistenceError("list conversations", err)
		}
		convs = append(convs, *conv)
	}
	return convs, domain.NewPersistenceError("list conversations", rows.Err())
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return domain.NewPersistenceError("delete conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.DeleteConversation", domain.ErrConversationNotFound, id)
	}
	return nil
}

// ListMessages returns a conversation's messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, status, created_at, updated_at FROM messages WHERE conversation_id = ? ORDER BY seq",
		conversationID,
	)
	if err != nil {
		return nil, domain.NewPersistenceError("list messages", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, status, createdStr, updatedStr string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &status, &createdStr, &updatedStr); err != nil {
			return nil, domain.NewPersistenceError("list messages", err)
		}
		m.Role = domain.Role(role)
		m.Status = domain.MessageStatus(status)
		m.CreatedAt = parseTimestamp(createdStr)
		m.UpdatedAt = parseTimestamp(updatedStr)
		msgs = append(msgs, m)
	}
	return msgs, domain.NewPersistenceError("list messages", rows.Err())
}

// AppendMessage adds a pending message at the end of the conversation. The
// first user message also sets an empty conversation title.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role domain.Role, initialContent string) (string, error) {
	if !role.Valid() {
		return "", domain.NewDomainError("SQLiteStore.AppendMessage", domain.ErrInvalidInput, "unknown role "+string(role))
	}
	id := ulid.Make().String()
	now := timestamp(time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var title string
		err := tx.QueryRowContext(ctx, "SELECT title FROM conversations WHERE id = ?", conversationID).Scan(&title)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewDomainError("SQLiteStore.AppendMessage", domain.ErrConversationNotFound, conversationID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, seq, role, content, status, owner, created_at, updated_at)
			 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?, ?)`,
			id, conversationID, conversationID, string(role), initialContent, string(domain.StatusPending), s.owner, now, now,
		); err != nil {
			return err
		}

		if title == "" && role == domain.RoleUser {
			title = domain.TitleFromPrompt(initialContent)
		}
		_, err = tx.ExecContext(ctx, "UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?", title, now, conversationID)
		return err
	})
	if err != nil {
		return "", domain.NewPersistenceError("append message", err)
	}
	return id, nil
}

// UpdateMessageContent replaces the content of a non-terminal message.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := messageStatus(ctx, tx, messageID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE messages SET content = ?, updated_at = ? WHERE id = ?",
			content, timestamp(time.Now()), messageID,
		)
		return err
	})
	return domain.NewPersistenceError("update content", err)
}

// SetMessageStatus moves a non-terminal message to status.
func (s *SQLiteStore) SetMessageStatus(ctx context.Context, messageID string, status domain.MessageStatus) error {
	if !status.Valid() {
		return domain.NewDomainError("SQLiteStore.SetMessageStatus", domain.ErrInvalidInput, "unknown status "+string(status))
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := messageStatus(ctx, tx, messageID); err != nil {
			return err
		}
		now := timestamp(time.Now())
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET status = ?, updated_at = ? WHERE id = ?",
			string(status), now, messageID,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = ? WHERE id = (SELECT conversation_id FROM messages WHERE id = ?)",
			now, messageID,
		)
		return err
	})
	return domain.NewPersistenceError("set status", err)
}

// messageStatus returns the status of a message that may still be written.
func messageStatus(ctx context.Context, tx *sql.Tx, messageID string) (domain.MessageStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM messages WHERE id = ?", messageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NewDomainError("SQLiteStore", domain.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return "", err
	}
	if st := domain.MessageStatus(status); st.IsTerminal() {
		return st, domain.NewDomainError("SQLiteStore", domain.ErrMessageTerminal, messageID+" is "+status)
	}
	return domain.MessageStatus(status), nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var createdStr, updatedStr string
	if err := row.Scan(&c.ID, &c.Title, &c.Provider, &c.Model, &c.BaseURL, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTimestamp(createdStr)
	c.UpdatedAt = parseTimestamp(updatedStr)
	return &c, nil
}

// timestamp formats t with a fixed width so lexical order matches time order.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ domain.ConversationRepository = (*SQLiteStore)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docassist/internal/models"
)

// MessageStore persists the ordered message log of each session. The driver
// name is needed because text concatenation is dialect-specific.
type MessageStore struct {
	db     *sql.DB
	driver string
}

func NewMessageStore(db *sql.DB, driver string) *MessageStore {
	return &MessageStore{db: db, driver: strings.ToLower(driver)}
}

// Insert stores a new message. The caller supplies MsgID (from the sequence
// allocator); CreatedAt is set here.
func (s *MessageStore) Insert(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if msg.MsgID <= 0 {
		return nil, errors.New("msg_id must be positive")
	}
	now := time.Now().UTC()
	vaultFiles, err := encodeList(msg.VaultFiles)
	if err != nil {
		return nil, fmt.Errorf("encode vault files: %w", err)
	}
	suggestions, err := encodeList(msg.Suggestions)
	if err != nil {
		return nil, fmt.Errorf("encode suggestions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, msg_id, role, text, vault_files, suggestions, voice_session_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.MsgID, msg.Role, msg.Text, vaultFiles, suggestions, msg.VoiceSessionID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = now
	return &msg, nil
}

// Get returns the message at (sessionID, msgID); sql.ErrNoRows when absent.
func (s *MessageStore) Get(ctx context.Context, sessionID string, msgID int) (*models.Message, error) {
	var (
		m           models.Message
		vaultFiles  sql.NullString
		suggestions sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, msg_id, role, text, vault_files, suggestions, voice_session_id, created_at FROM messages WHERE session_id = ? AND msg_id = ?`,
		sessionID, msgID,
	).Scan(&m.SessionID, &m.MsgID, &m.Role, &m.Text, &vaultFiles, &suggestions, &m.VoiceSessionID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if m.VaultFiles, err = decodeList(vaultFiles); err != nil {
		return nil, fmt.Errorf("decode vault files: %w", err)
	}
	if m.Suggestions, err = decodeList(suggestions); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	return &m, nil
}

// MaxMsgID returns the highest msg_id in the session, 0 when it has none.
func (s *MessageStore) MaxMsgID(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(msg_id), 0) FROM messages WHERE session_id = ?`,
		sessionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max msg id: %w", err)
	}
	return max, nil
}

// AppendText appends a delta to the stored text in one statement.
func (s *MessageStore) AppendText(ctx context.Context, sessionID string, msgID int, delta string) error {
	var stmt string
	switch s.driver {
	case "mysql":
		stmt = `UPDATE messages SET text = CONCAT(text, ?) WHERE session_id = ? AND msg_id = ?`
	default:
		stmt = `UPDATE messages SET text = text || ? WHERE session_id = ? AND msg_id = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt, delta, sessionID, msgID)
	if err != nil {
		return fmt.Errorf("append message text: %w", err)
	}
	return requireRow(res)
}

// SetText replaces the stored text.
func (s *MessageStore) SetText(ctx context.Context, sessionID string, msgID int, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ? WHERE session_id = ? AND msg_id = ?`,
		text, sessionID, msgID,
	)
	if err != nil {
		return fmt.Errorf("set message text: %w", err)
	}
	return requireRow(res)
}

// SetSuggestions replaces the suggestion list.
func (s *MessageStore) SetSuggestions(ctx context.Context, sessionID string, msgID int, suggestions []string) error {
	encoded, err := encodeList(suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET suggestions = ? WHERE session_id = ? AND msg_id = ?`,
		encoded, sessionID, msgID,
	)
	if err != nil {
		return fmt.Errorf("set message suggestions: %w", err)
	}
	return requireRow(res)
}

// ListBySession returns the session's messages in sequence order.
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, msg_id, role, text, vault_files, suggestions, voice_session_id, created_at FROM messages WHERE session_id = ? ORDER BY msg_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			m           models.Message
			vaultFiles  sql.NullString
			suggestions sql.NullString
		)
		if err := rows.Scan(&m.SessionID, &m.MsgID, &m.Role, &m.Text, &vaultFiles, &suggestions, &m.VoiceSessionID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.VaultFiles, err = decodeList(vaultFiles); err != nil {
			return nil, fmt.Errorf("decode vault files: %w", err)
		}
		if m.Suggestions, err = decodeList(suggestions); err != nil {
			return nil, fmt.Errorf("decode suggestions: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func encodeList(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeList(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docassist/internal/models"

	"github.com/google/uuid"
)

// SessionStore persists sessions. All mutations run on the shared *sql.DB,
// which serializes writes per connection; read-then-write sequences are
// guarded by the callers that need them (allocator, reconciler).
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session and returns the record.
func (s *SessionStore) Create(ctx context.Context, title string, patientID *string, doctorID, businessID string) (*models.Session, error) {
	if doctorID == "" || businessID == "" {
		return nil, errors.New("doctor_oid and business_oid are required")
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, patient_oid, doctor_oid, business_oid, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, title, patientID, doctorID, businessID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{
		ID:         id,
		Title:      title,
		PatientID:  patientID,
		DoctorID:   doctorID,
		BusinessID: businessID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get returns one session by id; sql.ErrNoRows when absent.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, patient_oid, doctor_oid, business_oid, created_at, updated_at FROM sessions WHERE id = ?`,
		id,
	).Scan(&se.ID, &se.Title, &se.PatientID, &se.DoctorID, &se.BusinessID, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// List returns all sessions ordered by last activity.
func (s *SessionStore) List(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, patient_oid, doctor_oid, business_oid, created_at, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.Title, &se.PatientID, &se.DoctorID, &se.BusinessID, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// UpdateTitle sets a session title.
func (s *SessionStore) UpdateTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`,
		title, id,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Touch advances the session's updated_at timestamp.
func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Delete removes a session and all its messages.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// DeleteAll wipes every session and message.
func (s *SessionStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete all: %w", err)
	}
	return nil
}

package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"docassist/internal/models"
	"docassist/internal/store"
)

// Reconciler folds incoming fragments into the assistant row paired with a
// user message: the reply to user msg N lives at msg N+1, always. Every
// producer of assistant content (direct stream, mirror listener, retry
// reset) goes through this type; the mutex makes the exists-check plus
// write a single critical section so two near-simultaneous fragments for
// the same target cannot both take the create branch.
//
// Fragments from the mirror may duplicate or interleave with the direct
// stream's. Mirror deliveries carry the full accumulated text and apply
// with overwrite semantics, which keeps repeated delivery convergent; the
// interleaving of the two sources remains a known consistency weak point
// when their content ever diverges.
type Reconciler struct {
	mu       sync.Mutex
	sessions *store.SessionStore
	messages *store.MessageStore
}

func NewReconciler(sessions *store.SessionStore, messages *store.MessageStore) *Reconciler {
	return &Reconciler{sessions: sessions, messages: messages}
}

// Reconcile creates or updates the assistant row for the fragment and
// returns the row's current state. The session's updated_at advances on
// every call.
func (r *Reconciler) Reconcile(ctx context.Context, userMsg *models.Message, frag models.StreamFragment) (*models.Message, error) {
	if userMsg == nil {
		return nil, errors.New("user message is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID := userMsg.MsgID + 1
	existing, err := r.messages.Get(ctx, userMsg.SessionID, targetID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created, insertErr := r.messages.Insert(ctx, models.Message{
			SessionID:   userMsg.SessionID,
			MsgID:       targetID,
			Role:        models.RoleAssistant,
			Text:        frag.Text,
			Suggestions: frag.Suggestions,
		})
		if insertErr != nil {
			return nil, fmt.Errorf("create assistant message: %w", insertErr)
		}
		existing = created
	case err != nil:
		return nil, fmt.Errorf("lookup assistant message: %w", err)
	default:
		if frag.Overwrite {
			if err := r.messages.SetText(ctx, userMsg.SessionID, targetID, frag.Text); err != nil {
				return nil, fmt.Errorf("overwrite assistant text: %w", err)
			}
			existing.Text = frag.Text
		} else if frag.Text != "" {
			if err := r.messages.AppendText(ctx, userMsg.SessionID, targetID, frag.Text); err != nil {
				return nil, fmt.Errorf("append assistant text: %w", err)
			}
			existing.Text += frag.Text
		}
		if len(frag.Suggestions) > 0 {
			if err := r.messages.SetSuggestions(ctx, userMsg.SessionID, targetID, frag.Suggestions); err != nil {
				return nil, fmt.Errorf("update assistant suggestions: %w", err)
			}
			existing.Suggestions = frag.Suggestions
		}
	}

	if err := r.sessions.Touch(ctx, userMsg.SessionID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return existing, nil
}

// ResetTarget clears the assistant row paired with the user message, if one
// exists. A retried send reuses the row instead of orphaning a partial
// reply at a wasted id.
func (r *Reconciler) ResetTarget(ctx context.Context, userMsg *models.Message) error {
	if userMsg == nil {
		return errors.New("user message is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID := userMsg.MsgID + 1
	_, err := r.messages.Get(ctx, userMsg.SessionID, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup assistant message: %w", err)
	}
	if err := r.messages.SetText(ctx, userMsg.SessionID, targetID, ""); err != nil {
		return fmt.Errorf("reset assistant text: %w", err)
	}
	if err := r.messages.SetSuggestions(ctx, userMsg.SessionID, targetID, nil); err != nil {
		return fmt.Errorf("reset assistant suggestions: %w", err)
	}
	return nil
}

package chat

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"docassist/internal/config"
	"docassist/internal/models"
	"docassist/internal/storage"
	"docassist/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newTestSession(t *testing.T, sessions *store.SessionStore) *models.Session {
	t.Helper()
	session, err := sessions.Create(context.Background(), "New Chat", nil, "doc-1", "biz-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestSequenceAllocatorStartsAtOne(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	sessions := store.NewSessionStore(db)
	messages := store.NewMessageStore(db, "sqlite3")
	session := newTestSession(t, sessions)

	alloc := NewSequenceAllocator(messages)
	id, err := alloc.Next(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
}

func TestSequenceAllocatorGapless(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	sessions := store.NewSessionStore(db)
	messages := store.NewMessageStore(db, "sqlite3")
	session := newTestSession(t, sessions)
	ctx := context.Background()

	alloc := NewSequenceAllocator(messages)
	for want := 1; want <= 5; want++ {
		id, err := alloc.Next(ctx, session.ID)
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
		if _, err := messages.Insert(ctx, models.Message{
			SessionID: session.ID,
			MsgID:     id,
			Role:      models.RoleUser,
			Text:      "m",
		}); err != nil {
			t.Fatalf("insert message %d: %v", id, err)
		}
	}
}

func TestSequenceAllocatorPerSession(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	sessions := store.NewSessionStore(db)
	messages := store.NewMessageStore(db, "sqlite3")
	ctx := context.Background()
	first := newTestSession(t, sessions)
	second := newTestSession(t, sessions)

	alloc := NewSequenceAllocator(messages)
	if _, err := messages.Insert(ctx, models.Message{
		SessionID: first.ID, MsgID: 1, Role: models.RoleUser, Text: "m",
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	id, err := alloc.Next(ctx, first.ID)
	if err != nil {
		t.Fatalf("next id for first: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected 2 for populated session, got %d", id)
	}
	id, err = alloc.Next(ctx, second.ID)
	if err != nil {
		t.Fatalf("next id for second: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected 1 for fresh session, got %d", id)
	}
}

func TestSequenceAllocatorConcurrentClaims(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	sessions := store.NewSessionStore(db)
	messages := store.NewMessageStore(db, "sqlite3")
	session := newTestSession(t, sessions)
	ctx := context.Background()

	alloc := NewSequenceAllocator(messages)
	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			errCh <- alloc.Claim(ctx, session.ID, func(id int) error {
				_, err := messages.Insert(ctx, models.Message{
					SessionID: session.ID,
					MsgID:     id,
					Role:      models.RoleUser,
					Text:      "m",
				})
				return err
			})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	maxID, err := messages.MaxMsgID(ctx, session.ID)
	if err != nil {
		t.Fatalf("max msg id: %v", err)
	}
	if maxID != workers {
		t.Fatalf("expected gapless ids up to %d, got max %d", workers, maxID)
	}
}

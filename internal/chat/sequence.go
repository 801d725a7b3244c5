package chat

import (
	"context"
	"fmt"
	"sync"

	"docassist/internal/store"
)

// SequenceAllocator hands out the next msg_id for a session: one above the
// highest stored id, starting at 1. The mutex serializes the read-then-
// allocate step against concurrent reconcile-driven inserts on the same
// store instance.
type SequenceAllocator struct {
	mu       sync.Mutex
	messages *store.MessageStore
}

func NewSequenceAllocator(messages *store.MessageStore) *SequenceAllocator {
	return &SequenceAllocator{messages: messages}
}

// Next returns the next free msg_id for the session. A store failure
// propagates; allocating a default id on error would risk collisions.
func (a *SequenceAllocator) Next(ctx context.Context, sessionID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	max, err := a.messages.MaxMsgID(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("allocate msg id: %w", err)
	}
	return max + 1, nil
}

// Claim allocates the next msg_id and runs use with the allocation still
// held, so the caller can persist the row before another claim reads the
// session's max. Callers that serialize sends per session can use Next
// instead.
func (a *SequenceAllocator) Claim(ctx context.Context, sessionID string, use func(id int) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	max, err := a.messages.MaxMsgID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("allocate msg id: %w", err)
	}
	return use(max + 1)
}

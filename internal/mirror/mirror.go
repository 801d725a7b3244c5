package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"docassist/internal/models"
	"docassist/internal/redis"
)

const (
	ContextInPatient    = "in_patient"
	ContextOutOfPatient = "out_of_patient"

	StatusStreaming = "streaming"
	StatusComplete  = "complete"

	docTTL = 7 * 24 * time.Hour
)

// Identity attributes every mirrored document.
type Identity struct {
	BusinessOID string
	DoctorOID   string
	OwnerID     string
	UserAgent   string
}

// MessageDoc is the remote document for one message. Message carries the
// full accumulated text of the row so far, not a delta: repeated or
// reordered delivery of the same doc converges to the same local state.
type MessageDoc struct {
	Message         string    `json:"message"`
	SessionID       string    `json:"session_id"`
	DoctorOID       string    `json:"doctor_oid"`
	PatientOID      string    `json:"patient_oid,omitempty"`
	Status          string    `json:"status"`
	Role            string    `json:"role"`
	VaultFiles      []string  `json:"vault_files,omitempty"`
	UserAgent       string    `json:"user_agent"`
	SessionIdentity string    `json:"session_identity"`
	OwnerID         string    `json:"owner_id"`
	CreatedAt       time.Time `json:"created_at"`
	ChatContext     string    `json:"chat_context"`
	Timestamp       int64     `json:"timestamp"`
	IsEOF           bool      `json:"is_eof"`
}

// Store mirrors exchanges into redis and listens for out-of-band delivery
// on the same keys. Writes are best-effort: they are queued, drained by
// background workers, and failures are logged, never surfaced to the
// primary streaming path.
type Store struct {
	client   *redis.Client
	identity Identity
	queue    chan writeJob

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewStore(client *redis.Client, identity Identity) *Store {
	s := &Store{
		client:   client,
		identity: identity,
		queue:    make(chan writeJob, writeQueueSize),
	}
	s.wg.Add(writeWorkers)
	for i := 0; i < writeWorkers; i++ {
		go s.runWriter()
	}
	return s
}

// Key derives the document key for one message. The hierarchy gains a
// patient segment when the session is linked to a patient record.
func (s *Store) Key(sess *models.Session, msgID int) string {
	if sess.InPatient() {
		return fmt.Sprintf("mirror:%s:%s:%s:%s:sessions:%s:messages:%d",
			sess.BusinessID, sess.DoctorID, ContextInPatient, *sess.PatientID, sess.ID, msgID)
	}
	return fmt.Sprintf("mirror:%s:%s:%s:sessions:%s:messages:%d",
		sess.BusinessID, sess.DoctorID, ContextOutOfPatient, sess.ID, msgID)
}

// Mirror queues a fire-and-forget write of the message's current state.
// When the queue is full the write is dropped and logged; the mirror is a
// secondary path and must never block or fail an exchange.
func (s *Store) Mirror(sess *models.Session, msg *models.Message, eof bool) {
	if s == nil || sess == nil || msg == nil {
		return
	}
	doc := s.docFor(sess, msg, eof)
	select {
	case s.queue <- writeJob{key: s.Key(sess, msg.MsgID), doc: doc}:
	default:
		log.Printf("mirror write queue full, dropping %s/%d", sess.ID, msg.MsgID)
	}
}

func (s *Store) docFor(sess *models.Session, msg *models.Message, eof bool) MessageDoc {
	chatContext := ContextOutOfPatient
	patientOID := ""
	if sess.InPatient() {
		chatContext = ContextInPatient
		patientOID = *sess.PatientID
	}
	status := StatusStreaming
	if eof {
		status = StatusComplete
	}
	return MessageDoc{
		Message:         msg.Text,
		SessionID:       sess.ID,
		DoctorOID:       sess.DoctorID,
		PatientOID:      patientOID,
		Status:          status,
		Role:            string(msg.Role),
		VaultFiles:      msg.VaultFiles,
		UserAgent:       s.identity.UserAgent,
		SessionIdentity: sess.Title,
		OwnerID:         s.identity.OwnerID,
		CreatedAt:       msg.CreatedAt,
		ChatContext:     chatContext,
		Timestamp:       time.Now().UTC().UnixMilli(),
		IsEOF:           eof,
	}
}

// ListenerHandle owns one pub/sub subscription. Stop is idempotent and must
// be called on session teardown; subscriptions left open persist in redis
// until the connection dies.
type ListenerHandle struct {
	stop func()
	once sync.Once
}

func (h *ListenerHandle) Stop() {
	h.once.Do(h.stop)
}

// Listen subscribes to updates for one message. onUpdate runs once per
// delivery, in arrival order; a doc with is_eof set is delivered and then
// the listener releases itself. If a document already exists at the key it
// is delivered first, so a late-attached listener still converges.
func (s *Store) Listen(sess *models.Session, msgID int, onUpdate func(MessageDoc)) (*ListenerHandle, error) {
	if onUpdate == nil {
		return nil, fmt.Errorf("onUpdate is required")
	}
	key := s.Key(sess, msgID)
	ctx := context.Background()
	pubsub, err := s.client.Subscribe(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("subscribe mirror channel: %w", err)
	}

	handle := &ListenerHandle{stop: func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("mirror listener close failed: %v", err)
		}
	}}

	go func() {
		if raw, err := s.client.Get(ctx, key); err == nil {
			var doc MessageDoc
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				log.Printf("mirror decode existing doc failed: %v", err)
			} else {
				onUpdate(doc)
				if doc.IsEOF {
					handle.Stop()
					return
				}
			}
		} else if err != redis.ErrCacheMiss {
			log.Printf("mirror read existing doc failed: %v", err)
		}

		for msg := range pubsub.Channel() {
			var doc MessageDoc
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				log.Printf("mirror decode update failed: %v", err)
				continue
			}
			onUpdate(doc)
			if doc.IsEOF {
				break
			}
		}
		handle.Stop()
	}()

	return handle, nil
}

// Close stops the write workers after draining queued writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

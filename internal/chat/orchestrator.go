package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"docassist/internal/mirror"
	"docassist/internal/models"
	"docassist/internal/store"
	"docassist/internal/transport"
)

var (
	// ErrExchangeActive rejects a send while the session is still streaming.
	ErrExchangeActive = errors.New("an exchange is already streaming for this session")
	// ErrEmptyMessage rejects a send carrying neither text nor vault files.
	ErrEmptyMessage = errors.New("message text or vault files required")
)

const sessionTitleLimit = 60

// StreamHandle cancels one in-flight streaming exchange.
type StreamHandle interface {
	Cancel()
}

// Streamer opens one streaming exchange against the chat backend.
type Streamer interface {
	Start(ctx context.Context, req transport.Request, cb transport.Callbacks) (StreamHandle, error)
}

// TransportStreamer adapts transport.Client to the Streamer interface.
type TransportStreamer struct {
	Client *transport.Client
}

func (t TransportStreamer) Start(ctx context.Context, req transport.Request, cb transport.Callbacks) (StreamHandle, error) {
	return t.Client.Start(ctx, req, cb)
}

// MirrorListener releases one remote subscription.
type MirrorListener interface {
	Stop()
}

// Mirror is the secondary delivery path: best-effort writes of each
// exchange plus a listener for out-of-band updates to the same message.
type Mirror interface {
	Mirror(sess *models.Session, msg *models.Message, eof bool)
	Listen(sess *models.Session, msgID int, onUpdate func(mirror.MessageDoc)) (MirrorListener, error)
}

// RedisMirror adapts mirror.Store to the Mirror interface.
type RedisMirror struct {
	Store *mirror.Store
}

func (m RedisMirror) Mirror(sess *models.Session, msg *models.Message, eof bool) {
	m.Store.Mirror(sess, msg, eof)
}

func (m RedisMirror) Listen(sess *models.Session, msgID int, onUpdate func(mirror.MessageDoc)) (MirrorListener, error) {
	return m.Store.Listen(sess, msgID, onUpdate)
}

// SendHooks observe one exchange. OnUserMessage fires once, after the user
// row is persisted and before the stream opens. OnAssistantUpdate fires per
// reconciled snapshot; returning an error cancels the exchange.
type SendHooks struct {
	OnUserMessage     func(*models.Message)
	OnAssistantUpdate func(*models.Message) error
}

// exchange tracks one send from user-row persist to stream end. All fields
// behind the orchestrator mutex except the channels.
type exchange struct {
	sessionID string
	userMsg   *models.Message
	handle    StreamHandle
	listener  MirrorListener
	snapshot  *models.Message
	cancelled bool
	finalized bool
	cbErr     error

	resultCh   chan error
	cancelCh   chan struct{}
	cancelOnce sync.Once

	// applyMu serializes fragment application across the direct stream and
	// the mirror listener, which deliver on different goroutines.
	applyMu sync.Mutex
}

// Orchestrator owns the send path: allocate id, persist the user row, open
// the stream, fold fragments and mirror deliveries through the one
// reconciler, and return to idle. One exchange may stream per session at a
// time; sends to other sessions proceed independently, and fragments stay
// keyed to the session captured at send time even if the caller switches
// away mid-stream.
type Orchestrator struct {
	sessions   *store.SessionStore
	messages   *store.MessageStore
	alloc      *SequenceAllocator
	reconciler *Reconciler
	streamer   Streamer
	mirror     Mirror

	mu      sync.Mutex
	current string
	active  map[string]*exchange
	failed  map[string]*models.Message
}

// NewOrchestrator wires the engine. mirror may be nil, which disables the
// secondary path entirely.
func NewOrchestrator(sessions *store.SessionStore, messages *store.MessageStore, streamer Streamer, m Mirror) *Orchestrator {
	return &Orchestrator{
		sessions:   sessions,
		messages:   messages,
		alloc:      NewSequenceAllocator(messages),
		reconciler: NewReconciler(sessions, messages),
		streamer:   streamer,
		mirror:     m,
		active:     make(map[string]*exchange),
		failed:     make(map[string]*models.Message),
	}
}

// SwitchTo retargets subsequent Send calls. It does not cancel an in-flight
// stream for the previous session.
func (o *Orchestrator) SwitchTo(sessionID string) {
	o.mu.Lock()
	o.current = sessionID
	o.mu.Unlock()
}

// Current returns the session subsequent Send calls target.
func (o *Orchestrator) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Active reports whether the session has a streaming exchange.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Send runs one exchange against the current session.
func (o *Orchestrator) Send(ctx context.Context, text string, vaultFiles []string, hooks SendHooks) (*models.Message, *models.Message, error) {
	return o.SendTo(ctx, o.Current(), text, vaultFiles, hooks)
}

// SendTo runs one full exchange: persists the user message, streams the
// assistant reply into the paired row, and blocks until the exchange ends.
// On a transport error the user row stays persisted and the error is
// returned; a later send with the same text reuses that row instead of
// allocating a fresh id.
func (o *Orchestrator) SendTo(ctx context.Context, sessionID, text string, vaultFiles []string, hooks SendHooks) (*models.Message, *models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(vaultFiles) == 0 {
		return nil, nil, ErrEmptyMessage
	}

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ex := &exchange{
		sessionID: sessionID,
		resultCh:  make(chan error, 1),
		cancelCh:  make(chan struct{}),
	}
	o.mu.Lock()
	if _, busy := o.active[sessionID]; busy {
		o.mu.Unlock()
		return nil, nil, ErrExchangeActive
	}
	o.active[sessionID] = ex
	retry := o.failed[sessionID]
	o.mu.Unlock()

	userMsg, err := o.prepareUserMessage(ctx, sess, retry, text, vaultFiles)
	if err != nil {
		o.unregister(ex)
		return nil, nil, err
	}
	o.mu.Lock()
	ex.userMsg = userMsg
	o.mu.Unlock()
	if hooks.OnUserMessage != nil {
		hooks.OnUserMessage(userMsg)
	}
	if o.mirror != nil {
		o.mirror.Mirror(sess, userMsg, true)
	}

	if o.mirror != nil {
		listener, lerr := o.mirror.Listen(sess, userMsg.MsgID+1, func(doc mirror.MessageDoc) {
			if err := o.applyMirrorDoc(ex, sess, doc, hooks); err != nil {
				log.Printf("mirror delivery reconcile failed: %v", err)
			}
		})
		if lerr != nil {
			log.Printf("mirror listen failed for %s/%d: %v", sessionID, userMsg.MsgID+1, lerr)
		} else {
			o.mu.Lock()
			ex.listener = listener
			o.mu.Unlock()
		}
	}

	req := transport.Request{
		Messages: []transport.OutboundMessage{{
			Role:       string(models.RoleUser),
			Text:       text,
			VaultFiles: vaultFiles,
		}},
	}
	cb := transport.Callbacks{
		OnChunk: func(chunk string) {
			for _, frag := range ParseChunk(chunk) {
				if err := o.applyFragment(ex, sess, frag, hooks); err != nil {
					log.Printf("fragment reconcile failed for %s: %v", sessionID, err)
				}
			}
		},
		OnComplete: func() { ex.resultCh <- nil },
		OnError:    func(err error) { ex.resultCh <- err },
	}
	handle, err := o.streamer.Start(ctx, req, cb)
	if err != nil {
		o.teardown(ex)
		o.rememberFailure(sessionID, userMsg)
		return userMsg, nil, fmt.Errorf("open exchange stream: %w", err)
	}
	o.mu.Lock()
	ex.handle = handle
	cancelled := ex.cancelled
	o.mu.Unlock()
	if cancelled {
		handle.Cancel()
	}

	var streamErr error
	select {
	case streamErr = <-ex.resultCh:
	case <-ex.cancelCh:
		handle.Cancel()
		o.mu.Lock()
		streamErr = ex.cbErr
		o.mu.Unlock()
	}

	o.teardown(ex)

	if streamErr != nil {
		o.rememberFailure(sessionID, userMsg)
		return userMsg, o.snapshotOf(ex), fmt.Errorf("stream exchange: %w", streamErr)
	}
	o.mu.Lock()
	delete(o.failed, sessionID)
	o.mu.Unlock()
	return userMsg, o.snapshotOf(ex), nil
}

// prepareUserMessage persists a fresh user row, or reuses the row left by a
// failed send of the same text — clearing any partial reply so the retry
// overwrites it rather than duplicating content at a later id.
func (o *Orchestrator) prepareUserMessage(ctx context.Context, sess *models.Session, retry *models.Message, text string, vaultFiles []string) (*models.Message, error) {
	if retry != nil && retry.Text == text {
		if err := o.reconciler.ResetTarget(ctx, retry); err != nil {
			return nil, err
		}
		return retry, nil
	}

	var userMsg *models.Message
	err := o.alloc.Claim(ctx, sess.ID, func(msgID int) error {
		var insertErr error
		userMsg, insertErr = o.messages.Insert(ctx, models.Message{
			SessionID:  sess.ID,
			MsgID:      msgID,
			Role:       models.RoleUser,
			Text:       text,
			VaultFiles: vaultFiles,
		})
		return insertErr
	})
	if err != nil {
		return nil, err
	}
	if userMsg.MsgID == 1 && text != "" {
		if err := o.sessions.UpdateTitle(ctx, sess.ID, titleFrom(text)); err != nil {
			log.Printf("set session title failed for %s: %v", sess.ID, err)
		} else {
			sess.Title = titleFrom(text)
		}
	}
	if err := o.sessions.Touch(ctx, sess.ID, userMsg.CreatedAt); err != nil {
		return nil, err
	}
	return userMsg, nil
}

// mirrorFragment converts a mirror delivery into a fragment relative to the
// exchange's current state. Mirror docs carry the full accumulated text, so
// they apply as overwrites; echoes of our own writes, or reordered docs that
// would regress the text, are dropped. An eof doc always finalizes. The
// caller must hold ex.applyMu: filtering against a snapshot that can still
// move would let a stale doc pass and then shrink the row.
func (o *Orchestrator) mirrorFragment(ex *exchange, doc mirror.MessageDoc) (models.StreamFragment, bool) {
	o.mu.Lock()
	var current string
	if ex.snapshot != nil {
		current = ex.snapshot.Text
	}
	o.mu.Unlock()

	if len(doc.Message) > len(current) {
		return models.StreamFragment{Text: doc.Message, Overwrite: true, EOF: doc.IsEOF}, true
	}
	if doc.IsEOF {
		return models.StreamFragment{EOF: true}, true
	}
	return models.StreamFragment{}, false
}

// applyMirrorDoc folds one mirror delivery through the reconciler. Filter
// and application share one critical section with the direct-stream path.
func (o *Orchestrator) applyMirrorDoc(ex *exchange, sess *models.Session, doc mirror.MessageDoc, hooks SendHooks) error {
	ex.applyMu.Lock()
	defer ex.applyMu.Unlock()

	frag, ok := o.mirrorFragment(ex, doc)
	if !ok {
		return nil
	}
	return o.applyLocked(ex, sess, frag, hooks)
}

// applyFragment routes one direct-stream fragment through the reconciler.
func (o *Orchestrator) applyFragment(ex *exchange, sess *models.Session, frag models.StreamFragment, hooks SendHooks) error {
	ex.applyMu.Lock()
	defer ex.applyMu.Unlock()
	return o.applyLocked(ex, sess, frag, hooks)
}

// applyLocked applies one fragment from either delivery path and mirrors
// the updated row. Fragments arriving after the exchange was cancelled or
// finalized are dropped. Caller holds ex.applyMu.
func (o *Orchestrator) applyLocked(ex *exchange, sess *models.Session, frag models.StreamFragment, hooks SendHooks) error {
	o.mu.Lock()
	if ex.cancelled || ex.finalized || ex.userMsg == nil {
		o.mu.Unlock()
		return nil
	}
	userMsg := ex.userMsg
	o.mu.Unlock()

	// Persistence runs on a fresh context: a dying caller context must not
	// leave a half-applied fragment behind.
	msg, err := o.reconciler.Reconcile(context.Background(), userMsg, frag)
	if err != nil {
		return err
	}

	o.mu.Lock()
	ex.snapshot = msg
	if frag.EOF {
		ex.finalized = true
	}
	o.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Mirror(sess, msg, frag.EOF)
	}
	if hooks.OnAssistantUpdate != nil {
		if err := hooks.OnAssistantUpdate(msg); err != nil {
			// Abort without touching the transport handle: this may run on
			// the delivery goroutine, and the waiting SendTo call owns the
			// handle shutdown.
			o.abort(ex, err)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) abort(ex *exchange, err error) {
	o.mu.Lock()
	ex.cancelled = true
	if err != nil && ex.cbErr == nil {
		ex.cbErr = err
	}
	o.mu.Unlock()
	ex.cancelOnce.Do(func() { close(ex.cancelCh) })
}

// CancelActive aborts the session's streaming exchange, releasing the
// transport handle and any mirror listener. Already-persisted content,
// partial or not, is left in place.
func (o *Orchestrator) CancelActive(sessionID string) {
	o.mu.Lock()
	ex := o.active[sessionID]
	if ex == nil {
		o.mu.Unlock()
		return
	}
	handle := ex.handle
	listener := ex.listener
	o.mu.Unlock()

	o.abort(ex, nil)
	if handle != nil {
		handle.Cancel()
	}
	if listener != nil {
		listener.Stop()
	}
}

// Close cancels every in-flight exchange.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.CancelActive(id)
	}
}

// teardown closes out the exchange: no fragment may apply, and no hook may
// fire, once it returns. Waiting on applyMu drains a delivery already in
// flight on the listener goroutine.
func (o *Orchestrator) teardown(ex *exchange) {
	o.mu.Lock()
	ex.finalized = true
	listener := ex.listener
	ex.listener = nil
	o.mu.Unlock()
	if listener != nil {
		listener.Stop()
	}
	ex.applyMu.Lock()
	o.unregister(ex)
	ex.applyMu.Unlock()
}

func (o *Orchestrator) unregister(ex *exchange) {
	o.mu.Lock()
	if o.active[ex.sessionID] == ex {
		delete(o.active, ex.sessionID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) rememberFailure(sessionID string, userMsg *models.Message) {
	o.mu.Lock()
	o.failed[sessionID] = userMsg
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotOf(ex *exchange) *models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ex.snapshot
}

func titleFrom(text string) string {
	runes := []rune(text)
	if len(runes) <= sessionTitleLimit {
		return text
	}
	return string(runes[:sessionTitleLimit])
}

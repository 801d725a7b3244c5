package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client opens streaming exchanges against the DocAssist completion
// backend. One HTTP request per Start call; chunks are handed to the caller
// exactly as they arrive, with no buffering across reads, because event
// boundaries do not line up with chunk boundaries.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewClient builds a streaming client. The timeout bounds connecting and
// waiting for response headers only, never the streamed body: a reply keeps
// reading for as long as the backend keeps sending.
func NewClient(baseURL, apiKey, userAgent string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: userAgent,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// OutboundMessage is one message in the request body. At least one of Text
// and VaultFiles must be populated.
type OutboundMessage struct {
	Role       string   `json:"role"`
	Text       string   `json:"text,omitempty"`
	VaultFiles []string `json:"vault_files,omitempty"`
}

// Request is the outgoing exchange body.
type Request struct {
	Messages []OutboundMessage `json:"messages"`
}

// Callbacks receive the stream. OnChunk fires per received chunk in arrival
// order. Exactly one of OnComplete and OnError fires, unless the handle was
// cancelled first.
type Callbacks struct {
	OnChunk    func(chunk string)
	OnComplete func()
	OnError    func(err error)
}

// Handle cancels an in-flight exchange. Cancel is idempotent, and once it
// returns no further callbacks are delivered — including OnComplete. The
// Done channel closes when the reader goroutine exits either way.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
}

// Cancel aborts the request. Safe to call more than once.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Done closes when the exchange goroutine has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// deliver runs fn unless the handle has been cancelled. The lock is held
// across the callback so Cancel cannot return while a delivery is mid-
// flight: after Cancel returns, no callback starts.
func (h *Handle) deliver(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

// Start opens the streaming request and reads it on a new goroutine. The
// returned error covers request construction only; transport failures are
// reported through OnError.
func (c *Client) Start(ctx context.Context, req Request, cb Callbacks) (*Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go c.run(httpReq, h, cb)
	return h, nil
}

func (c *Client) run(req *http.Request, h *Handle, cb Callbacks) {
	defer close(h.done)
	defer h.cancel()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		h.deliver(func() {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("open stream: %w", err))
			}
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		h.deliver(func() {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("chat backend error [%d]: %s", resp.StatusCode, bytes.TrimSpace(detail)))
			}
		})
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if !h.deliver(func() {
				if cb.OnChunk != nil {
					cb.OnChunk(chunk)
				}
			}) {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				h.deliver(func() {
					if cb.OnComplete != nil {
						cb.OnComplete()
					}
				})
			} else {
				h.deliver(func() {
					if cb.OnError != nil {
						cb.OnError(fmt.Errorf("read stream: %w", err))
					}
				})
			}
			return
		}
	}
}

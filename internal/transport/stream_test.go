package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func collectStream(t *testing.T, c *Client, req Request) (chunks []string, completed bool, streamErr error) {
	t.Helper()
	var mu sync.Mutex
	done := make(chan struct{})
	handle, err := c.Start(context.Background(), req, Callbacks{
		OnChunk: func(chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
		OnComplete: func() {
			completed = true
			close(done)
		},
		OnError: func(err error) {
			streamErr = err
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not finish")
	}
	<-handle.Done()
	return chunks, completed, streamErr
}

func TestStartStreamsChunksInOrder(t *testing.T) {
	events := []string{
		`data: {"text":"one","eof":false}` + "\n\n",
		`data: {"text":"two","eof":false}` + "\n\n",
		`data: {"text":"three","eof":true}` + "\n\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer header, got %q", got)
		}
		var body Request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Text != "hello" {
			t.Errorf("unexpected request body: %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			if _, err := w.Write([]byte(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "docassist-test", time.Minute)
	chunks, completed, streamErr := collectStream(t, c, Request{
		Messages: []OutboundMessage{{Role: "user", Text: "hello"}},
	})
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if !completed {
		t.Fatalf("expected OnComplete")
	}
	joined := strings.Join(chunks, "")
	for _, ev := range events {
		if !strings.Contains(joined, strings.TrimSpace(ev)) {
			t.Fatalf("missing event %q in received chunks: %q", ev, joined)
		}
	}
	if idx1, idx2 := strings.Index(joined, "one"), strings.Index(joined, "three"); idx1 > idx2 {
		t.Fatalf("chunks delivered out of order: %q", joined)
	}
}

func TestTimeoutDoesNotCutStreamedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher.Flush()
		for i := 0; i < 4; i++ {
			time.Sleep(60 * time.Millisecond)
			w.Write([]byte(`data: {"text":"part","eof":false}` + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	// Headers arrive well inside the deadline; the body alone takes longer.
	c := NewClient(srv.URL, "", "", 50*time.Millisecond)
	chunks, completed, streamErr := collectStream(t, c, Request{
		Messages: []OutboundMessage{{Role: "user", Text: "hello"}},
	})
	if streamErr != nil {
		t.Fatalf("long body must not hit the header deadline: %v", streamErr)
	}
	if !completed {
		t.Fatalf("expected OnComplete")
	}
	if got := strings.Count(strings.Join(chunks, ""), "part"); got != 4 {
		t.Fatalf("expected all 4 events, got %d", got)
	}
}

func TestStartReportsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Minute)
	chunks, completed, streamErr := collectStream(t, c, Request{
		Messages: []OutboundMessage{{Role: "user", Text: "hello"}},
	})
	if streamErr == nil {
		t.Fatalf("expected stream error")
	}
	if completed || len(chunks) != 0 {
		t.Fatalf("expected no chunks and no completion, got %v %v", chunks, completed)
	}
	if !strings.Contains(streamErr.Error(), "503") || !strings.Contains(streamErr.Error(), "model overloaded") {
		t.Fatalf("error should carry status and detail: %v", streamErr)
	}
}

func TestStartReportsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "", "", time.Second)
	_, completed, streamErr := collectStream(t, c, Request{
		Messages: []OutboundMessage{{Role: "user", Text: "hello"}},
	})
	if streamErr == nil || completed {
		t.Fatalf("expected connection error, got completed=%v err=%v", completed, streamErr)
	}
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	firstChunk := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"text":"one","eof":false}` + "\n\n"))
		flusher.Flush()
		<-release
		w.Write([]byte(`data: {"text":"two","eof":true}` + "\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()
	defer close(release)

	var mu sync.Mutex
	var calls []string
	c := NewClient(srv.URL, "", "", time.Minute)
	handle, err := c.Start(context.Background(), Request{
		Messages: []OutboundMessage{{Role: "user", Text: "hello"}},
	}, Callbacks{
		OnChunk: func(chunk string) {
			mu.Lock()
			calls = append(calls, "chunk")
			mu.Unlock()
			select {
			case <-firstChunk:
			default:
				close(firstChunk)
			}
		},
		OnComplete: func() {
			mu.Lock()
			calls = append(calls, "complete")
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			calls = append(calls, "error")
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatalf("first chunk never arrived")
	}
	handle.Cancel()
	handle.Cancel() // idempotent

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("reader goroutine did not exit after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, call := range calls {
		if call == "complete" || call == "error" {
			t.Fatalf("callback %q delivered after cancel: %v", call, calls)
		}
	}
}

package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/markdown"
	"github.com/MegaGrindStone/streamchat/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []client.Event
	busy   []bool
	c      *client.Client
}

func (r *recorder) Observe(e client.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.c != nil {
		r.busy = append(r.busy, r.c.Busy())
	}
}

func (r *recorder) last() client.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return client.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) partials() []client.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ps []client.Event
	for _, e := range r.events {
		if e.Type == client.EventPartial {
			ps = append(ps, e)
		}
	}
	return ps
}

func newTestClient(t *testing.T, baseURL string, cfg client.Config) *client.Client {
	t.Helper()

	cfg.BaseURL = baseURL
	c, err := client.New(cfg, markdown.Basic{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeChunks(w http.ResponseWriter, delay time.Duration, chunks ...[]byte) {
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		_, _ = w.Write(chunk)
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(delay)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      client.Config
		renderer markdown.Renderer
		wantErr  bool
	}{
		{
			name:     "Valid",
			cfg:      client.Config{BaseURL: "http://localhost:5888"},
			renderer: markdown.Basic{},
		},
		{
			name:     "Missing scheme",
			cfg:      client.Config{BaseURL: "localhost:5888"},
			renderer: markdown.Basic{},
			wantErr:  true,
		},
		{
			name:     "Unparsable",
			cfg:      client.Config{BaseURL: "http://[::1"},
			renderer: markdown.Basic{},
			wantErr:  true,
		},
		{
			name:    "Missing renderer",
			cfg:     client.Config{BaseURL: "http://localhost:5888"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.New(tt.cfg, tt.renderer, nil, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendTurnStreamsReply(t *testing.T) {
	var got models.WebRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/getMessageWeb" {
			t.Errorf("request = %s %s, want POST /getMessageWeb", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeChunks(w, 10*time.Millisecond, []byte("**Hel"), []byte("lo**\n"), []byte("- item"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	rec := &recorder{}

	if err := c.SendTurn(context.Background(), "  hi there \n", rec); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	if got.UserMessage != "hi there" {
		t.Errorf("userMessage = %q, want %q", got.UserMessage, "hi there")
	}
	wantSent := []models.Message{{Role: models.RoleUser, Content: "hi there"}}
	if len(got.History) != 1 || got.History[0] != wantSent[0] {
		t.Errorf("history sent = %+v, want %+v", got.History, wantSent)
	}

	partials := rec.partials()
	if len(partials) == 0 {
		t.Fatal("no partial events")
	}
	for i := 1; i < len(partials); i++ {
		if !strings.HasPrefix(partials[i].Text, partials[i-1].Text) {
			t.Errorf("partial %d = %q does not extend %q", i, partials[i].Text, partials[i-1].Text)
		}
	}
	final := partials[len(partials)-1]
	if final.Text != "**Hello**\n- item" {
		t.Errorf("final text = %q, want %q", final.Text, "**Hello**\n- item")
	}
	for _, want := range []string{"<strong>Hello</strong>", "<li>item</li>"} {
		if !strings.Contains(final.HTML, want) {
			t.Errorf("final HTML = %v, want to contain %v", final.HTML, want)
		}
	}

	done := rec.last()
	if done.Type != client.EventDone {
		t.Fatalf("last event = %v, want %v", done.Type, client.EventDone)
	}
	wantHistory := []models.Message{
		{Role: models.RoleUser, Content: "hi there"},
		{Role: models.RoleAssistant, Content: "**Hello**\n- item"},
	}
	if len(done.History) != len(wantHistory) {
		t.Fatalf("history = %+v, want %+v", done.History, wantHistory)
	}
	for i := range wantHistory {
		if done.History[i] != wantHistory[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, done.History[i], wantHistory[i])
		}
	}
	if c.Busy() {
		t.Error("Busy() = true after the reply completed")
	}
}

func TestSendTurnSplitMultibyteCharacter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		// "é" is 0xC3 0xA9; send it across two flushes.
		writeChunks(w, 20*time.Millisecond, []byte("caf\xc3"), []byte("\xa9 ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	rec := &recorder{}

	if err := c.SendTurn(context.Background(), "coffee?", rec); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	for _, p := range rec.partials() {
		if strings.ContainsRune(p.Text, '�') {
			t.Errorf("partial text = %q, contains a replacement character", p.Text)
		}
	}
	history := c.History()
	if len(history) != 2 || history[1].Content != "café ok" {
		t.Errorf("history = %+v, want assistant reply %q", history, "café ok")
	}
}

func TestSendTurnDecodesDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=ISO-8859-1")
		writeChunks(w, 0, []byte("caf\xe9"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	if err := c.SendTurn(context.Background(), "coffee?", nil); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	history := c.History()
	if len(history) != 2 || history[1].Content != "café" {
		t.Errorf("history = %+v, want assistant reply %q", history, "café")
	}
}

func TestSendTurnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	rec := &recorder{c: c}

	err := c.SendTurn(context.Background(), "hello", rec)
	if !errors.Is(err, client.ErrServerError) {
		t.Fatalf("SendTurn() error = %v, want %v", err, client.ErrServerError)
	}
	var cerr *client.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("SendTurn() error = %T, want *client.Error", err)
	}
	if cerr.Status != http.StatusInternalServerError || cerr.Body != "internal error" {
		t.Errorf("error = {%d, %q}, want {500, %q}", cerr.Status, cerr.Body, "internal error")
	}
	if !strings.Contains(cerr.Detail, "internal error") {
		t.Errorf("Detail = %q, want to contain the response body", cerr.Detail)
	}

	last := rec.last()
	if last.Type != client.EventError || !errors.Is(last.Err, client.ErrServerError) {
		t.Errorf("last event = %+v, want a server error event", last)
	}
	if len(rec.busy) == 0 || rec.busy[len(rec.busy)-1] {
		t.Error("Busy() = true while the error event was delivered")
	}

	history := c.History()
	if len(history) != 1 || history[0].Role != models.RoleUser {
		t.Errorf("history = %+v, want only the user turn", history)
	}
}

func TestSendTurnStreamStalled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, 0, []byte("partial answer"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, client.Config{
		StallTimeout:     100 * time.Millisecond,
		LivenessInterval: 20 * time.Millisecond,
	})
	rec := &recorder{c: c}

	start := time.Now()
	err := c.SendTurn(context.Background(), "hello", rec)
	if !errors.Is(err, client.ErrStreamStalled) {
		t.Fatalf("SendTurn() error = %v, want %v", err, client.ErrStreamStalled)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stall detected after %v, want shortly after the stall timeout", elapsed)
	}

	if ps := rec.partials(); len(ps) != 1 || ps[0].Text != "partial answer" {
		t.Errorf("partials = %+v, want the one chunk received before the stall", ps)
	}
	if c.Busy() {
		t.Error("Busy() = true after the stall")
	}
	if got := len(c.History()); got != 1 {
		t.Errorf("len(History()) = %d, want 1", got)
	}
}

func TestSendTurnSlowChunksAreNotStalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChunks(w, 60*time.Millisecond, []byte("a"), []byte("b"), []byte("c"), []byte("d"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{
		StallTimeout:     150 * time.Millisecond,
		LivenessInterval: 10 * time.Millisecond,
	})

	if err := c.SendTurn(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	if history := c.History(); len(history) != 2 || history[1].Content != "abcd" {
		t.Errorf("history = %+v, want assistant reply %q", history, "abcd")
	}
}

func TestSendTurnRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, client.Config{RequestTimeout: 50 * time.Millisecond})

	err := c.SendTurn(context.Background(), "hello", nil)
	if !errors.Is(err, client.ErrRequestTimeout) {
		t.Fatalf("SendTurn() error = %v, want %v", err, client.ErrRequestTimeout)
	}
	if c.Busy() {
		t.Error("Busy() = true after the timeout")
	}
}

func TestSendTurnRequestTimeoutStopsAtHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChunks(w, 80*time.Millisecond, []byte("one "), []byte("two "), []byte("three"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{RequestTimeout: 50 * time.Millisecond})

	if err := c.SendTurn(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendTurn() error = %v, want the reply to outlive the request deadline", err)
	}
}

func TestSendTurnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, client.Config{})

	err := c.SendTurn(context.Background(), "hello", nil)
	if !errors.Is(err, client.ErrNetworkError) {
		t.Fatalf("SendTurn() error = %v, want %v", err, client.ErrNetworkError)
	}
	if c.Busy() {
		t.Error("Busy() = true after the network error")
	}
}

func TestSendTurnConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Returning before the declared length is written drops the connection.
		w.Header().Set("Content-Length", "100")
		writeChunks(w, 0, []byte("half an ans"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})

	err := c.SendTurn(context.Background(), "hello", nil)
	if !errors.Is(err, client.ErrNetworkError) {
		t.Fatalf("SendTurn() error = %v, want %v", err, client.ErrNetworkError)
	}
	if got := len(c.History()); got != 1 {
		t.Errorf("len(History()) = %d, want 1", got)
	}
}

func TestSendTurnBusy(t *testing.T) {
	var requests atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		close(arrived)
		<-release
		writeChunks(w, 0, []byte("done"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SendTurn(context.Background(), "first", nil)
	}()
	<-arrived

	if !c.Busy() {
		t.Error("Busy() = false while a reply is streaming")
	}
	if err := c.SendTurn(context.Background(), "second", nil); !errors.Is(err, client.ErrBusy) {
		t.Errorf("SendTurn() error = %v, want %v", err, client.ErrBusy)
	}
	if err := c.Reset(); !errors.Is(err, client.ErrBusy) {
		t.Errorf("Reset() error = %v, want %v", err, client.ErrBusy)
	}
	history := c.History()
	if len(history) != 1 || history[0].Content != "first" {
		t.Errorf("history = %+v, want only the first user turn", history)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first SendTurn() error = %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := len(c.History()); got != 2 {
		t.Errorf("len(History()) = %d, want 2", got)
	}
}

func TestSendTurnEmptyMessage(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})

	if err := c.SendTurn(context.Background(), " \n\t", nil); !errors.Is(err, client.ErrEmptyMessage) {
		t.Errorf("SendTurn() error = %v, want %v", err, client.ErrEmptyMessage)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
	if got := len(c.History()); got != 0 {
		t.Errorf("len(History()) = %d, want 0", got)
	}
}

func TestSendTurnBlankReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChunks(w, 0, []byte("  \n "))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})

	if err := c.SendTurn(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	if got := len(c.History()); got != 1 {
		t.Errorf("len(History()) = %d, want 1", got)
	}
}

func TestSendTurnCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, 0, []byte("first"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, client.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := client.ObserverFunc(func(e client.Event) {
		if e.Type == client.EventPartial {
			cancel()
		}
	})

	err := c.SendTurn(ctx, "hello", obs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendTurn() error = %v, want %v", err, context.Canceled)
	}
	var cerr *client.Error
	if errors.As(err, &cerr) {
		t.Errorf("SendTurn() error = %v, want the context's error rather than a failure kind", err)
	}
	if got := len(c.History()); got != 1 {
		t.Errorf("len(History()) = %d, want 1", got)
	}
}

func TestStreamReplyReplayed(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		writeChunks(w, 0, []byte("once"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	history := models.NewHistory(models.Message{Role: models.RoleUser, Content: "hello"})
	seq := c.StreamReply(context.Background(), "hello", history)

	for _, err := range seq {
		if err != nil {
			t.Fatalf("first iteration error = %v", err)
		}
	}

	var replayErr error
	for _, err := range seq {
		replayErr = err
	}
	if !errors.Is(replayErr, client.ErrReplayed) {
		t.Errorf("second iteration error = %v, want %v", replayErr, client.ErrReplayed)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := history.Len(); got != 2 {
		t.Errorf("history.Len() = %d, want 2", got)
	}
}

func TestStreamReplyEarlyBreak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChunks(w, 10*time.Millisecond, []byte("one "), []byte("two"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, client.Config{})
	history := models.NewHistory(models.Message{Role: models.RoleUser, Content: "hello"})

	for p, err := range c.StreamReply(context.Background(), "hello", history) {
		if err != nil {
			t.Fatalf("StreamReply() error = %v", err)
		}
		if p.Text != "" {
			break
		}
	}
	if got := history.Len(); got != 1 {
		t.Errorf("history.Len() = %d, want 1 after abandoning the reply", got)
	}
}

func TestClientsAreIndependent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.WebRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeChunks(w, 0, []byte("echo: "+req.UserMessage))
	}))
	defer srv.Close()

	a := newTestClient(t, srv.URL, client.Config{})
	b := newTestClient(t, srv.URL, client.Config{})

	if err := a.SendTurn(context.Background(), "from a", nil); err != nil {
		t.Fatalf("a.SendTurn() error = %v", err)
	}
	if got := len(b.History()); got != 0 {
		t.Errorf("len(b.History()) = %d, want 0", got)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := len(a.History()); got != 0 {
		t.Errorf("len(a.History()) = %d after Reset, want 0", got)
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Partial is the state of a reply after one more chunk arrived: the accumulated text and its
// rendering.
type Partial struct {
	Text string
	HTML string
}

const maxErrorBody = 1 << 20

var (
	errRequestDeadline = errors.New("request deadline exceeded")
	errStalled         = errors.New("stream stalled")
)

// StreamReply posts userText and history to the backend and returns the reply as a sequence of
// partials, each rendering the whole text received so far. history must already contain the user turn;
// once the reply completes with non-blank text, it is appended to history as an assistant turn.
//
// The sequence makes one request and can only be iterated once; later iterations yield ErrReplayed.
// A failure is yielded once as an *Error, or as ctx's error when ctx ends first, and ends the sequence.
func (c *Client) StreamReply(ctx context.Context, userText string, history *models.History) iter.Seq2[Partial, error] {
	var consumed atomic.Bool

	return func(yield func(Partial, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Partial{}, ErrReplayed)
			return
		}
		if history == nil {
			history = models.NewHistory()
		}

		c.stream(ctx, userText, history, yield)
	}
}

func (c *Client) stream(ctx context.Context, userText string, history *models.History, yield func(Partial, error) bool) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body, err := json.Marshal(models.WebRequest{UserMessage: userText, History: history.Messages()})
	if err != nil {
		yield(Partial{}, fmt.Errorf("failed to marshal request: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		yield(Partial{}, fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	logger := c.logger.With(slog.String("endpoint", c.endpoint))
	logger.Debug("Sending message", slog.Int("history", history.Len()))

	// The deadline only covers waiting for the response headers.
	deadline := time.AfterFunc(c.cfg.RequestTimeout, func() {
		cancel(errRequestDeadline)
	})
	resp, err := c.httpClient.Do(req)
	deadline.Stop()
	if err != nil {
		yield(Partial{}, c.classify(ctx, err))
		return
	}
	defer resp.Body.Close()

	lastChunk, stopWatch := c.watchLiveness(ctx, cancel)
	defer stopWatch()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			yield(Partial{}, c.classify(ctx, err))
			return
		}
		logger.Warn("Backend returned an error", slog.Int("status", resp.StatusCode))
		yield(Partial{}, serverError(resp.StatusCode, string(msg)))
		return
	}

	dec, charset, ok := decoderFor(resp.Header.Get("Content-Type"))
	if !ok {
		logger.Warn("Unknown charset, decoding as UTF-8", slog.String("charset", charset))
	}

	var text strings.Builder
	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if ctx.Err() != nil {
			yield(Partial{}, c.classify(ctx, ctx.Err()))
			return
		}
		if n > 0 {
			lastChunk()
			if seg := dec.Decode(buf[:n]); seg != "" {
				text.WriteString(seg)
				if !yield(c.partial(text.String())) {
					return
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			yield(Partial{}, c.classify(ctx, err))
			return
		}
	}

	if seg := dec.Flush(); seg != "" {
		text.WriteString(seg)
		if !yield(c.partial(text.String())) {
			return
		}
	}

	reply := text.String()
	if strings.TrimSpace(reply) != "" {
		history.Append(models.Message{Role: models.RoleAssistant, Content: reply})
	}
	logger.Debug("Reply completed", slog.Int("length", len(reply)))
}

func (c *Client) partial(text string) (Partial, error) {
	return Partial{Text: text, HTML: c.renderer.Render(text)}, nil
}

// watchLiveness cancels ctx with errStalled once no chunk was recorded for longer than the stall
// timeout. The returned mark function records a chunk; stop ends the watcher and waits for it.
func (c *Client) watchLiveness(ctx context.Context, cancel context.CancelCauseFunc) (mark func(), stop func()) {
	start := time.Now()
	var last atomic.Int64
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(c.cfg.LivenessInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				idle := time.Since(start) - time.Duration(last.Load())
				if idle > c.cfg.StallTimeout {
					cancel(errStalled)
					return
				}
			}
		}
	}()

	mark = func() {
		last.Store(int64(time.Since(start)))
	}
	stop = func() {
		close(done)
		wg.Wait()
	}
	return mark, stop
}

func (c *Client) classify(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errRequestDeadline):
		return &Error{
			Kind:   KindRequestTimeout,
			Detail: fmt.Sprintf("no response within %s", c.cfg.RequestTimeout),
			Err:    err,
		}
	case errors.Is(cause, errStalled):
		return &Error{
			Kind:   KindStreamStalled,
			Detail: fmt.Sprintf("no data received for %s", c.cfg.StallTimeout),
			Err:    err,
		}
	case cause != nil:
		return cause
	}
	return &Error{
		Kind:   KindNetworkError,
		Detail: err.Error(),
		Err:    err,
	}
}

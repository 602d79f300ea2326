package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/markdown"
	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Client sends user turns to a chat backend and streams the replies back as rendered HTML.
//
// Each Client owns its conversation history and allows one reply in flight at a time.
type Client struct {
	cfg        Config
	endpoint   string
	renderer   markdown.Renderer
	httpClient *http.Client
	history    *models.History
	waiting    atomic.Bool

	logger *slog.Logger
}

// Config configures a Client. Zero durations and sizes take the defaults below.
type Config struct {
	BaseURL          string        `yaml:"baseURL"`
	Path             string        `yaml:"path"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	StallTimeout     time.Duration `yaml:"stallTimeout"`
	LivenessInterval time.Duration `yaml:"livenessInterval"`
	ReadBufferSize   int           `yaml:"readBufferSize"`
}

const (
	DefaultPath             = "/getMessageWeb"
	DefaultRequestTimeout   = 120 * time.Second
	DefaultStallTimeout     = 60 * time.Second
	DefaultLivenessInterval = 5 * time.Second
	DefaultReadBufferSize   = 4096
)

// New creates a Client. A nil httpClient uses a client without a global timeout, since replies are
// bounded by the request deadline and the liveness watcher instead.
func New(cfg Config, renderer markdown.Renderer, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		renderer:   renderer,
		httpClient: httpClient,
		history:    models.NewHistory(),
		logger:     logger.With(slog.String("module", "client")),
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	return c
}

// SendTurn appends text as a user turn and streams the assistant's reply, reporting progress to obs.
//
// It returns ErrEmptyMessage for blank text and ErrBusy while another turn is streaming; in both cases
// no request is made and the history is untouched. Otherwise the returned error is the one carried by
// the EventError event, or nil after EventDone.
func (c *Client) SendTurn(ctx context.Context, text string, obs Observer) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !c.waiting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.waiting.Store(false)

	if obs == nil {
		obs = ObserverFunc(func(Event) {})
	}

	c.history.Append(models.Message{Role: models.RoleUser, Content: text})

	for p, err := range c.StreamReply(ctx, text, c.history) {
		if err != nil {
			c.waiting.Store(false)
			c.logger.Error("Failed to stream reply", slog.String("err", err.Error()))
			obs.Observe(Event{Type: EventError, Err: err})
			return err
		}
		obs.Observe(Event{Type: EventPartial, HTML: p.HTML, Text: p.Text})
	}

	c.waiting.Store(false)
	obs.Observe(Event{Type: EventDone, History: c.history.Messages()})
	return nil
}

// Busy reports whether a turn is currently streaming.
func (c *Client) Busy() bool {
	return c.waiting.Load()
}

// History returns a copy of the conversation so far.
func (c *Client) History() []models.Message {
	return c.history.Messages()
}

// Reset clears the conversation to start a new session. It returns ErrBusy while a turn is streaming.
func (c *Client) Reset() error {
	if !c.waiting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.waiting.Store(false)

	c.history.Reset()
	return nil
}

// Render renders text with the client's renderer.
func (c *Client) Render(text string) string {
	return c.renderer.Render(text)
}

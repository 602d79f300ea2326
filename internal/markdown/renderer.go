package markdown

import (
	"fmt"
	"html"
	"log/slog"
	"strings"
)

// Renderer turns (possibly partial) Markdown into HTML. Render must accept any input, including text
// cut in the middle of a token, and must never panic.
type Renderer interface {
	Render(src string) string
}

// Engine is a Markdown converter that may fail. Engines are wrapped with Safe before use.
type Engine interface {
	Convert(src string) (string, error)
}

// Strategy names a rendering strategy.
type Strategy string

const (
	// StrategyGoldmark renders with goldmark and GitHub Flavored Markdown.
	StrategyGoldmark Strategy = "goldmark"
	// StrategyBasic renders with the built-in line renderer.
	StrategyBasic Strategy = "basic"
)

// Config selects and tunes the renderer.
type Config struct {
	Strategy Strategy `yaml:"strategy"`
	// Highlight enables syntax highlighting of fenced code blocks. Only used by StrategyGoldmark.
	Highlight bool `yaml:"highlight"`
	// Style is the chroma style used for highlighting and for HighlightCSS.
	Style string `yaml:"style"`
}

// DefaultStyle is the chroma style used when Config.Style is empty.
const DefaultStyle = "github"

// RenderError reports a failure inside an Engine. It never leaves this package: Safe logs it and
// renders a fallback instead.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("markdown render: %v", e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// New returns the renderer selected by cfg. An empty strategy selects goldmark.
func New(cfg Config, logger *slog.Logger) (Renderer, error) {
	switch cfg.Strategy {
	case "", StrategyGoldmark:
		style := cfg.Style
		if style == "" {
			style = DefaultStyle
		}
		return NewSafe(NewGoldmark(cfg.Highlight, style), logger), nil
	case StrategyBasic:
		return Basic{}, nil
	default:
		return nil, fmt.Errorf("unknown markdown strategy: %s", cfg.Strategy)
	}
}

// Safe adapts an Engine into a Renderer. When the engine fails or panics, the failure is logged and
// the output shows the failure message followed by an escaped preview of the raw text.
type Safe struct {
	engine Engine
	logger *slog.Logger
}

// NewSafe wraps engine.
func NewSafe(engine Engine, logger *slog.Logger) Safe {
	return Safe{
		engine: engine,
		logger: logger.With(slog.String("module", "markdown")),
	}
}

// Render implements Renderer.
func (s Safe) Render(src string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = s.failure(&RenderError{Err: fmt.Errorf("panic: %v", r)}, src)
		}
	}()

	rendered, err := s.engine.Convert(src)
	if err != nil {
		return s.failure(&RenderError{Err: err}, src)
	}
	return rendered
}

func (s Safe) failure(err *RenderError, src string) string {
	s.logger.Warn("Falling back to raw text", slog.String("err", err.Error()))
	return FailureHTML(err, src)
}

// FailureHTML renders err and an escaped preview of src.
func FailureHTML(err error, src string) string {
	var sb strings.Builder
	sb.WriteString(`<div class="render-error">`)
	sb.WriteString(`<p class="render-error-title">Markdown rendering failed</p>`)
	sb.WriteString(`<p class="render-error-detail">Error: `)
	sb.WriteString(html.EscapeString(err.Error()))
	sb.WriteString(`</p><details><summary>View raw content</summary><pre>`)
	sb.WriteString(html.EscapeString(src))
	sb.WriteString(`</pre></details></div>`)
	return sb.String()
}

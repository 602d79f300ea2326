package markdown

import (
	"bytes"
	"fmt"
	"io"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Goldmark is the rich Engine. It is configured the way chat replies need it: GitHub Flavored
// Markdown (tables included), single newlines rendered as line breaks, and raw HTML from the input
// omitted from the output.
type Goldmark struct {
	md goldmark.Markdown
}

// NewGoldmark creates a Goldmark engine. When highlight is true, fenced code blocks are highlighted
// with the given chroma style using CSS classes; serve the matching stylesheet with HighlightCSS.
func NewGoldmark(highlight bool, style string) Goldmark {
	extensions := []goldmark.Extender{extension.GFM}
	if highlight {
		extensions = append(extensions, highlighting.NewHighlighting(
			highlighting.WithStyle(style),
			highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
		))
	}

	return Goldmark{
		md: goldmark.New(
			goldmark.WithExtensions(extensions...),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// Convert implements Engine.
func (g Goldmark) Convert(src string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`<div class="markdown-body">`)
	if err := g.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	buf.WriteString(`</div>`)
	return buf.String(), nil
}

// HighlightCSS writes the stylesheet for code highlighted with the given chroma style.
func HighlightCSS(w io.Writer, style string) error {
	if style == "" {
		style = DefaultStyle
	}
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(w, styles.Get(style)); err != nil {
		return fmt.Errorf("failed to write highlight css: %w", err)
	}
	return nil
}

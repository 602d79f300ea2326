package markdown

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Basic is a dependency-free renderer covering the Markdown subset chat replies use. The input is
// HTML-escaped before any substitution, and everything else operates on the escaped text, so no tag
// from the input survives. Fenced code keeps its (escaped) content verbatim.
type Basic struct{}

var (
	fenceOpenRe  = regexp.MustCompile("^\\s*```\\s*([\\w+#.-]*)\\s*$")
	fenceCloseRe = regexp.MustCompile("^\\s*```\\s*$")
	headingRe    = regexp.MustCompile(`^(#{1,4})\s+(.+?)\s*$`)
	tableRowRe   = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)
	tableSepRe   = regexp.MustCompile(`^\s*:?-+:?\s*$`)
	bulletRe     = regexp.MustCompile(`^\s*[-*+•]\s+(.*)$`)
	orderedRe    = regexp.MustCompile(`^\s*(\d+)\.\s+(.*)$`)
	quoteRe      = regexp.MustCompile(`^\s*&gt;\s?(.*)$`)
	warningRe    = regexp.MustCompile(`^\s*(?:⚠️|\[!WARNING\])\s*(.*)$`)
	infoRe       = regexp.MustCompile(`^\s*(?:ℹ️|\[!INFO\])\s*(.*)$`)

	codeSpanRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe     = regexp.MustCompile(`\*\*([^*<>\n]+?)\*\*`)
	italicRe   = regexp.MustCompile(`\*([^*<>\s](?:[^*<>\n]*?[^*<>\s])?)\*`)
)

// Render implements Renderer.
func (Basic) Render(src string) string {
	escaped := html.EscapeString(strings.ReplaceAll(src, "\r\n", "\n"))
	lines := strings.Split(escaped, "\n")

	var sb strings.Builder
	sb.WriteString(`<div class="markdown-body">`)
	for i := 0; i < len(lines); {
		i = renderBlock(&sb, lines, i)
	}
	sb.WriteString(`</div>`)
	return sb.String()
}

// renderBlock writes the block starting at lines[i] and returns the index of the first line after it.
func renderBlock(sb *strings.Builder, lines []string, i int) int {
	line := lines[i]

	if strings.TrimSpace(line) == "" {
		return i + 1
	}

	if m := fenceOpenRe.FindStringSubmatch(line); m != nil {
		end := i + 1
		for end < len(lines) && !fenceCloseRe.MatchString(lines[end]) {
			end++
		}
		writeCode(sb, m[1], lines[i+1:end])
		// An unterminated fence, common while a reply is still streaming, runs to the end of the text.
		return min(end+1, len(lines))
	}

	if m := headingRe.FindStringSubmatch(line); m != nil {
		level := len(m[1])
		fmt.Fprintf(sb, "<h%d>%s</h%d>", level, renderInline(m[2]), level)
		return i + 1
	}

	if m := warningRe.FindStringSubmatch(line); m != nil {
		fmt.Fprintf(sb, `<div class="callout callout-warning"><p>%s</p></div>`, renderInline(m[1]))
		return i + 1
	}
	if m := infoRe.FindStringSubmatch(line); m != nil {
		fmt.Fprintf(sb, `<div class="callout callout-info"><p>%s</p></div>`, renderInline(m[1]))
		return i + 1
	}

	if tableRowRe.MatchString(line) {
		end := i
		for end < len(lines) && tableRowRe.MatchString(lines[end]) {
			end++
		}
		writeTable(sb, lines[i:end])
		return end
	}

	if bulletRe.MatchString(line) {
		sb.WriteString("<ul>")
		end := i
		for ; end < len(lines); end++ {
			m := bulletRe.FindStringSubmatch(lines[end])
			if m == nil {
				break
			}
			fmt.Fprintf(sb, "<li>%s</li>", renderInline(m[1]))
		}
		sb.WriteString("</ul>")
		return end
	}

	if m := orderedRe.FindStringSubmatch(line); m != nil {
		if m[1] == "1" {
			sb.WriteString("<ol>")
		} else {
			fmt.Fprintf(sb, `<ol start="%s">`, m[1])
		}
		end := i
		for ; end < len(lines); end++ {
			m := orderedRe.FindStringSubmatch(lines[end])
			if m == nil {
				break
			}
			fmt.Fprintf(sb, "<li>%s</li>", renderInline(m[2]))
		}
		sb.WriteString("</ol>")
		return end
	}

	if quoteRe.MatchString(line) {
		var parts []string
		end := i
		for ; end < len(lines); end++ {
			m := quoteRe.FindStringSubmatch(lines[end])
			if m == nil {
				break
			}
			parts = append(parts, renderInline(m[1]))
		}
		fmt.Fprintf(sb, "<blockquote>%s</blockquote>", strings.Join(parts, "<br>"))
		return end
	}

	var parts []string
	end := i
	for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
		if end > i && startsBlock(lines[end]) {
			break
		}
		parts = append(parts, renderInline(lines[end]))
		end++
	}
	fmt.Fprintf(sb, "<p>%s</p>", strings.Join(parts, "<br>"))
	return end
}

func startsBlock(line string) bool {
	return fenceOpenRe.MatchString(line) ||
		headingRe.MatchString(line) ||
		warningRe.MatchString(line) ||
		infoRe.MatchString(line) ||
		tableRowRe.MatchString(line) ||
		bulletRe.MatchString(line) ||
		orderedRe.MatchString(line) ||
		quoteRe.MatchString(line)
}

func writeCode(sb *strings.Builder, lang string, lines []string) {
	if lang != "" {
		fmt.Fprintf(sb, `<pre><code class="language-%s" data-language="%s">`, lang, lang)
	} else {
		sb.WriteString("<pre><code>")
	}
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("</code></pre>")
}

func writeTable(sb *strings.Builder, rows []string) {
	cells := make([][]string, 0, len(rows))
	separator := make([]bool, len(rows))
	for i, row := range rows {
		inner := tableRowRe.FindStringSubmatch(row)[1]
		parts := strings.Split(inner, "|")
		sep := true
		for j := range parts {
			parts[j] = strings.TrimSpace(parts[j])
			if !tableSepRe.MatchString(parts[j]) {
				sep = false
			}
		}
		separator[i] = sep
		cells = append(cells, parts)
	}

	sb.WriteString("<table>")
	start := 0
	if len(rows) > 1 && separator[1] && !separator[0] {
		sb.WriteString("<thead><tr>")
		for _, c := range cells[0] {
			fmt.Fprintf(sb, "<th>%s</th>", renderInline(c))
		}
		sb.WriteString("</tr></thead>")
		start = 1
	}
	sb.WriteString("<tbody>")
	for i := start; i < len(cells); i++ {
		if separator[i] {
			continue
		}
		sb.WriteString("<tr>")
		for _, c := range cells[i] {
			fmt.Fprintf(sb, "<td>%s</td>", renderInline(c))
		}
		sb.WriteString("</tr>")
	}
	sb.WriteString("</tbody></table>")
}

// renderInline renders code spans, then bold and italic outside of them.
func renderInline(s string) string {
	var sb strings.Builder
	last := 0
	for _, m := range codeSpanRe.FindAllStringSubmatchIndex(s, -1) {
		sb.WriteString(emphasis(s[last:m[0]]))
		sb.WriteString("<code>")
		sb.WriteString(s[m[2]:m[3]])
		sb.WriteString("</code>")
		last = m[1]
	}
	sb.WriteString(emphasis(s[last:]))
	return sb.String()
}

func emphasis(s string) string {
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	return italicRe.ReplaceAllString(s, "<em>$1</em>")
}

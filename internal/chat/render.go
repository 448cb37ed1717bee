package chat

import (
	"html"
	"regexp"
	"strings"

	"github.com/charmbracelet/glamour"
)

var boldSpan = regexp.MustCompile(`\*\*(.*?)\*\*`)

// RenderHTML renders the Markdown subset the model uses: **bold** spans
// become <strong> and newlines become <br>. Everything else is escaped.
func RenderHTML(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = boldSpan.ReplaceAllStringFunc(html.EscapeString(line), func(m string) string {
			return "<strong>" + m[2:len(m)-2] + "</strong>"
		})
	}
	return strings.Join(lines, "<br>")
}

// TerminalRenderer renders model replies for a terminal.
type TerminalRenderer struct {
	r *glamour.TermRenderer
}

// NewTerminalRenderer returns a renderer wrapping at width columns.
func NewTerminalRenderer(width int) (*TerminalRenderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &TerminalRenderer{r: r}, nil
}

// Render returns text as styled terminal output, or text unchanged when it
// cannot be rendered.
func (t *TerminalRenderer) Render(text string) string {
	if t == nil || t.r == nil {
		return text
	}
	out, err := t.r.Render(text)
	if err != nil {
		return text
	}
	return out
}

// Package render turns chat message Markdown into sanitized HTML.
package render

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Cursor is appended to a reply while it is still streaming.
const Cursor = "▌"

type Markdown struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// New passes raw HTML through goldmark and relies on the UGC policy to strip anything unsafe,
// so unknown tags such as the model's <think> block keep their text.
func New() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps(), html.WithUnsafe()),
		),
		sanitizer: bluemonday.UGCPolicy(),
	}
}

func (m *Markdown) Render(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return template.HTML(m.sanitizer.SanitizeBytes(buf.Bytes())), nil
}

// MustRender falls back to escaped text when conversion fails.
func (m *Markdown) MustRender(content string) template.HTML {
	out, err := m.Render(content)
	if err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(content) + "</p>")
	}
	return out
}

// Partial renders an in-progress reply with the cursor appended.
func (m *Markdown) Partial(content string) template.HTML {
	return m.MustRender(strings.TrimRight(content, "\n") + Cursor)
}

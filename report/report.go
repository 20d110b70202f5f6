// Package report defines the rendered-document intermediate representation and
// the Renderer capability that produces it. Composer is the built-in renderer
// used when no external rendering service is configured.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type (
	// Document is the consolidated analysis result returned to callers.
	Document struct {
		Metadata     Metadata  `json:"metadata"`
		Summary      Summary   `json:"summary"`
		Sections     []Section `json:"sections"`
		Sources      []string  `json:"sources"`
		ForumSummary string    `json:"forum_summary,omitempty"`
		HTMLContent  string    `json:"html_content,omitempty"`
	}

	// Metadata describes the document itself.
	Metadata struct {
		Title       string    `json:"title"`
		Query       string    `json:"query"`
		GeneratedAt time.Time `json:"generated_at"`
	}

	// Summary carries the headline takeaways.
	Summary struct {
		Highlights []string `json:"highlights"`
	}

	// Section is one per-engine portion of the document.
	Section struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Source  string `json:"source"`
	}

	// Renderer turns per-engine report texts and the discussion summary into a
	// Document. Implementations may call external services; errors are
	// terminal for the task.
	Renderer interface {
		Render(ctx context.Context, query string, reports map[string]string, forumSummary string) (*Document, error)
	}

	// Composer is the built-in Renderer. It assembles the document directly
	// from the per-engine texts without any external call.
	Composer struct {
		now func() time.Time
	}

	// ComposerOption configures a Composer.
	ComposerOption func(*Composer)
)

var sectionTitles = map[string]string{
	"query":   "Web Research Findings",
	"media":   "Media Coverage Analysis",
	"insight": "Analyst Insights",
}

// WithClock overrides the composer clock (tests only).
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// NewComposer returns the built-in renderer.
func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Render implements Renderer. Engines appear in stable name order; the first
// non-empty line of each report becomes a highlight.
func (c *Composer) Render(ctx context.Context, query string, reports map[string]string, forumSummary string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, errors.New("no reports to render")
	}
	engines := make([]string, 0, len(reports))
	for engine := range reports {
		engines = append(engines, engine)
	}
	sort.Strings(engines)

	doc := &Document{
		Metadata: Metadata{
			Title:       fmt.Sprintf("Analysis Report: %s", query),
			Query:       query,
			GeneratedAt: c.now(),
		},
		ForumSummary: forumSummary,
	}
	for _, engine := range engines {
		text := reports[engine]
		title, ok := sectionTitles[engine]
		if !ok {
			title = fmt.Sprintf("%s Findings", capitalize(engine))
		}
		doc.Sections = append(doc.Sections, Section{Title: title, Content: text, Source: engine})
		doc.Sources = append(doc.Sources, engine)
		if line := firstLine(text); line != "" {
			doc.Summary.Highlights = append(doc.Summary.Highlights, line)
		}
	}
	if len(doc.Summary.Highlights) == 0 {
		doc.Summary.Highlights = []string{fmt.Sprintf("Analysis of %q completed.", query)}
	}
	return doc, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*- "))
		if line != "" {
			return line
		}
	}
	return ""
}

// Markdown renders the document as a Markdown text.
func Markdown(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Metadata.Title)
	fmt.Fprintf(&b, "Generated: %s\n\n", doc.Metadata.GeneratedAt.Format(time.RFC3339))
	if len(doc.Summary.Highlights) > 0 {
		b.WriteString("## Highlights\n\n")
		for _, h := range doc.Summary.Highlights {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		b.WriteString("\n")
	}
	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, s.Content)
	}
	if doc.ForumSummary != "" {
		fmt.Fprintf(&b, "## Discussion Summary\n\n%s\n", doc.ForumSummary)
	}
	return b.String()
}

// HTML renders the document as a minimal standalone HTML page.
func HTML(doc *Document) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>")
	b.WriteString(escape(doc.Metadata.Title))
	b.WriteString("</title></head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", escape(doc.Metadata.Title))
	if len(doc.Summary.Highlights) > 0 {
		b.WriteString("<h2>Highlights</h2>\n<ul>\n")
		for _, h := range doc.Summary.Highlights {
			fmt.Fprintf(&b, "<li>%s</li>\n", escape(h))
		}
		b.WriteString("</ul>\n")
	}
	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "<h2>%s</h2>\n<pre>%s</pre>\n", escape(s.Title), escape(s.Content))
	}
	if doc.ForumSummary != "" {
		fmt.Fprintf(&b, "<h2>Discussion Summary</h2>\n<pre>%s</pre>\n", escape(doc.ForumSummary))
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// Package markdown converts Markdown paper text into plain text.
package markdown

import (
	"regexp"
	"strings"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
)

// Ensure Normaliser implements the interface.
var _ file.Converter = (*Normaliser)(nil)

var (
	codeBlock     = regexp.MustCompile("(?s)```.*?```")
	inlineCode    = regexp.MustCompile("`([^`]+)`")
	images        = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	links         = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headings      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	strong        = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	emphasis      = regexp.MustCompile(`\*([^*\n]+)\*`)
	underscores   = regexp.MustCompile(`(^|\s)_([^_\n]+)_(\s|$|[.,;:!?])`)
	blockquote    = regexp.MustCompile(`(?m)^>\s?`)
	hr            = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	listMarkers   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	numberedList  = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	multiNewlines = regexp.MustCompile(`\n{3,}`)
)

// Normaliser handles Markdown documents.
type Normaliser struct{}

// New creates a new Markdown normaliser.
func New() *Normaliser {
	return &Normaliser{}
}

// Title returns the text of the first level-one heading.
func (n *Normaliser) Title(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

// Normalise strips Markdown formatting. Fenced code blocks and images are
// dropped, link and inline code text is kept.
func (n *Normaliser) Normalise(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = codeBlock.ReplaceAllString(text, "")
	text = images.ReplaceAllString(text, "")
	text = links.ReplaceAllString(text, "$1")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = headings.ReplaceAllString(text, "")
	text = hr.ReplaceAllString(text, "")
	text = strong.ReplaceAllString(text, "$2")
	text = emphasis.ReplaceAllString(text, "$1")
	text = underscores.ReplaceAllString(text, "$1$2$3")
	text = blockquote.ReplaceAllString(text, "")
	text = listMarkers.ReplaceAllString(text, "")
	text = numberedList.ReplaceAllString(text, "")
	text = multiNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

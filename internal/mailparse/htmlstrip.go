package mailparse

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"title":    true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "section": true, "article": true,
	"header": true, "footer": true, "ul": true, "ol": true, "hr": true, "br": true,
}

// StripHTML renders an HTML body as plain text. Block elements and <br>
// become line breaks, runs of whitespace collapse to one space.
func StripHTML(s string) string {
	w := &textWriter{}
	z := html.NewTokenizer(strings.NewReader(s))
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(w.b.String())

		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if tt == html.StartTagToken {
					skipDepth++
				} else if tt == html.EndTagToken && skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			switch {
			case blockElements[tag]:
				w.newline()
			case tag == "td" || tag == "th":
				w.space = true
			}

		case html.TextToken:
			if skipDepth == 0 {
				w.write(string(z.Text()))
			}
		}
	}
}

type textWriter struct {
	b     strings.Builder
	space bool
}

func (w *textWriter) newline() {
	w.space = false
	out := w.b.String()
	if out == "" || strings.HasSuffix(out, "\n") {
		return
	}
	w.b.WriteByte('\n')
}

func (w *textWriter) write(text string) {
	for _, r := range text {
		if unicode.IsSpace(r) {
			w.space = true
			continue
		}
		if w.space {
			out := w.b.String()
			if out != "" && !strings.HasSuffix(out, "\n") {
				w.b.WriteByte(' ')
			}
			w.space = false
		}
		w.b.WriteRune(r)
	}
}

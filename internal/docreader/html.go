package docreader

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractHTML returns the visible text of an HTML document. Block elements
// end their line and list items are prefixed with "- ". Script, style and
// head content is dropped.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("html: %w", err)
	}
	var sb strings.Builder
	walkHTML(doc, &sb)

	lines := strings.Split(sb.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(collapseBlankLines(strings.Join(lines, "\n"))), nil
}

func walkHTML(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' {
				return ' '
			}
			return r
		}, n.Data))
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
			return
		case atom.Br:
			sb.WriteByte('\n')
			return
		case atom.Li:
			sb.WriteString("- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, sb)
	}

	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		sb.WriteByte('\n')
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Pre, atom.Blockquote:
		return true
	}
	return false
}

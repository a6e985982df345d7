package docpipe

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Inline styles that hide text from a human reader. Hidden text is a common
// carrier for instructions aimed at the classifier.
var hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|font-size\s*:\s*0(px|pt|em|rem|%)?\s*(;|$)|opacity\s*:\s*0(\.0+)?\s*(;|$)`)

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			if hiddenStyle.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}

func extractHTML(data []byte) (string, []Section, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}

	var sections []Section
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header, atom.Template:
				return
			}
			if hidden(n) {
				return
			}
			kind := ""
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if text := visibleText(n); text != "" {
					lvl := int(n.Data[1] - '0')
					sections = append(sections, Section{Title: text, Level: lvl, Text: text, Type: "heading"})
				}
				return
			case atom.P, atom.Blockquote:
				kind = "paragraph"
			case atom.Table:
				kind = "table"
			case atom.Ul, atom.Ol:
				kind = "list"
			}
			if kind != "" {
				if text := visibleText(n); text != "" {
					sections = append(sections, Section{Text: text, Type: kind})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(sections) == 0 {
		if text := visibleText(doc); text != "" {
			sections = append(sections, Section{Text: text, Type: "paragraph"})
		}
	}
	return htmlTitle(doc), sections, nil
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func visibleText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Title, atom.Template:
				return
			}
			if hidden(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

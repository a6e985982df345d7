// CLAUDE:SUMMARY Turns fetched HTML into sanitized Markdown text: readability main content, density fallback, bluemonday, html-to-markdown; also titles, links, sitemap <loc>.
// Package webtext extracts the readable text of a web page.
//
// HTML goes through go-readability to isolate the main content. When
// readability finds too little, a text-density pass over the DOM picks the
// densest block instead. The chosen HTML is cleaned with the bluemonday UGC
// policy and converted to Markdown.
package webtext

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
)

// ErrUnsupported is returned for content types that carry no page text.
var ErrUnsupported = errors.New("webtext: unsupported content type")

// Page is the text extracted from one response.
type Page struct {
	Title string
	Text  string   // Markdown
	Links []string // normalized same-host links
}

// Extractor converts page bodies to text. It is safe for concurrent use.
type Extractor struct {
	conv        *converter.Converter
	policy      *bluemonday.Policy
	strict      *bluemonday.Policy
	minReadable int
}

// New creates an Extractor. minReadable is the shortest readability result,
// in characters, accepted before falling back to density scoring.
func New(minReadable int) *Extractor {
	if minReadable <= 0 {
		minReadable = 200
	}
	return &Extractor{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy:      bluemonday.UGCPolicy(),
		strict:      bluemonday.StrictPolicy(),
		minReadable: minReadable,
	}
}

// Extract returns the text of body served as contentType from pageURL.
func (e *Extractor) Extract(body []byte, pageURL *url.URL, contentType string) (*Page, error) {
	switch {
	case contentType == "text/plain":
		return &Page{Text: string(body)}, nil
	case contentType == "text/html", contentType == "application/xhtml+xml":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webtext: parse html: %w", err)
	}
	page := &Page{
		Title: Title(doc),
		Links: Links(doc, pageURL),
	}

	main := ""
	rp := readability.NewParser()
	if article, err := rp.Parse(bytes.NewReader(body), pageURL); err == nil {
		if len(strings.TrimSpace(article.TextContent)) >= e.minReadable {
			main = article.Content
		}
		if page.Title == "" {
			page.Title = strings.TrimSpace(article.Title)
		}
	}
	if main == "" {
		main = densest(doc)
	}

	clean := e.policy.Sanitize(main)
	md, err := e.conv.ConvertString(clean, converter.WithDomain(pageURL.String()))
	if err != nil || strings.TrimSpace(md) == "" {
		md = collapse(html.UnescapeString(e.strict.Sanitize(clean)))
	}
	page.Text = strings.TrimSpace(md)
	return page, nil
}

// Title returns the <title> of doc, or its first <h1>.
func Title(doc *goquery.Document) string {
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapse(doc.Find("h1").First().Text())
}

// Links returns the distinct same-host links of doc, normalized.
func Links(doc *goquery.Document, pageURL *url.URL) []string {
	if pageURL == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := fetch.NormalizeURL(href, pageURL)
		if err != nil || seen[u] {
			return
		}
		parsed, err := url.Parse(u)
		if err != nil || !strings.EqualFold(parsed.Hostname(), pageURL.Hostname()) {
			return
		}
		seen[u] = true
		out = append(out, u)
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

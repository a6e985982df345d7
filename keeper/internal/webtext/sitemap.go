package webtext

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Sitemap is the parsed content of a sitemap or sitemap index.
type Sitemap struct {
	URLs     []string // <urlset><url><loc>
	Children []string // <sitemapindex><sitemap><loc>
}

// ParseSitemap reads the <loc> entries of a sitemap document.
func ParseSitemap(body []byte) (*Sitemap, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webtext: parse sitemap: %w", err)
	}
	sm := &Sitemap{}
	doc.Find("sitemap > loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			sm.Children = append(sm.Children, loc)
		}
	})
	doc.Find("url > loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			sm.URLs = append(sm.URLs, loc)
		}
	})
	return sm, nil
}

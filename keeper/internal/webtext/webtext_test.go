package webtext

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

const articlePage = `<!DOCTYPE html>
<html><head><title>Shipping policy | Acme</title></head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a> <a href="https://other.example/x">Partner</a></nav>
<main>
<h1>Shipping policy</h1>
<p>We ship every order within two business days from our warehouse in Lyon. Orders placed before noon leave the same day.</p>
<p>Delivery inside the European Union takes three to five business days. Tracking numbers are emailed as soon as the parcel is handed to the carrier.</p>
<p>Returns are free within thirty days. <a href="/returns#form">Start a return</a> and print the prepaid label.</p>
<script>track("view")</script>
</main>
<footer>© Acme</footer>
</body></html>`

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestExtract_HTML(t *testing.T) {
	e := New(0)
	page, err := e.Extract([]byte(articlePage), mustURL(t, "https://acme.example/shipping"), "text/html")
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Shipping policy | Acme" {
		t.Errorf("title = %q", page.Title)
	}
	for _, want := range []string{"two business days", "Returns are free"} {
		if !strings.Contains(page.Text, want) {
			t.Errorf("text lacks %q:\n%s", want, page.Text)
		}
	}
	if strings.Contains(page.Text, "track(") {
		t.Errorf("script leaked into text:\n%s", page.Text)
	}
}

func TestLinks_SameHostNormalized(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(articlePage))
	if err != nil {
		t.Fatal(err)
	}
	links := Links(doc, mustURL(t, "https://acme.example/shipping"))
	want := []string{"https://acme.example/", "https://acme.example/about", "https://acme.example/returns"}
	if strings.Join(links, " ") != strings.Join(want, " ") {
		t.Errorf("links = %v, want %v", links, want)
	}
}

func TestExtract_PlainAndUnsupported(t *testing.T) {
	e := New(0)
	page, err := e.Extract([]byte("just text"), mustURL(t, "https://acme.example/a.txt"), "text/plain")
	if err != nil || page.Text != "just text" {
		t.Fatalf("plain = %+v, %v", page, err)
	}
	if _, err := e.Extract([]byte{0x89, 'P', 'N', 'G'}, mustURL(t, "https://acme.example/a.png"), "image/png"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("png: err = %v", err)
	}
}

func TestDensest_PrefersContentOverLinks(t *testing.T) {
	body := `<html><body>
<div id="menu"><a href="/a">Alpha section link</a> <a href="/b">Beta section link</a> <a href="/c">Gamma section link</a> <a href="/d">Delta section link</a></div>
<div id="content"><p>Our support team answers every message within one business day, including weekends during the holiday season.</p></div>
</body></html>`
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(body))
	got := densest(doc)
	if !strings.Contains(got, "support team") || strings.Contains(got, "Alpha section") {
		t.Errorf("densest = %s", got)
	}
}

func TestParseSitemap(t *testing.T) {
	urlset := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://acme.example/</loc><lastmod>2024-01-01</lastmod></url>
  <url><loc> https://acme.example/shipping </loc></url>
</urlset>`
	sm, err := ParseSitemap([]byte(urlset))
	if err != nil {
		t.Fatal(err)
	}
	if len(sm.URLs) != 2 || sm.URLs[1] != "https://acme.example/shipping" || len(sm.Children) != 0 {
		t.Errorf("urlset = %+v", sm)
	}

	index := `<sitemapindex><sitemap><loc>https://acme.example/sitemap-1.xml</loc></sitemap></sitemapindex>`
	sm, _ = ParseSitemap([]byte(index))
	if len(sm.Children) != 1 || len(sm.URLs) != 0 {
		t.Errorf("index = %+v", sm)
	}
}

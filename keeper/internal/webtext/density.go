package webtext

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const boilerplate = "script, style, noscript, nav, footer, header, aside, form, iframe, [role=navigation], [aria-hidden=true]"

// densest returns the outer HTML of the block with the best
// text-to-markup ratio, discounted by link density. Landmarks (<main>,
// <article>) win outright when present.
func densest(doc *goquery.Document) string {
	root := doc.Find("body").First()
	if root.Length() == 0 {
		root = doc.Selection
	}
	root = root.Clone()
	root.Find(boilerplate).Remove()

	for _, landmark := range []string{"main", "article"} {
		if sel := root.Find(landmark); sel.Length() > 0 {
			var parts []string
			sel.Each(func(_ int, s *goquery.Selection) {
				if h, err := goquery.OuterHtml(s); err == nil {
					parts = append(parts, h)
				}
			})
			return strings.Join(parts, "\n")
		}
	}

	var (
		best      *goquery.Selection
		bestScore float64
	)
	root.Find("div, section, td, body").AddSelection(root).Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if len(text) < 80 {
			return
		}
		markup, err := goquery.OuterHtml(s)
		if err != nil || markup == "" {
			return
		}
		linkDens := float64(len(collapse(s.Find("a").Text()))) / float64(len(text))
		if linkDens > 0.5 {
			return
		}
		score := float64(len(text)) / float64(len(markup)) * logScale(len(text)) * (1 - linkDens)
		if score > bestScore {
			best, bestScore = s, score
		}
	})
	if best == nil {
		h, _ := root.Html()
		return h
	}
	h, _ := goquery.OuterHtml(best)
	return h
}

// logScale grows by one per doubling of n above 100.
func logScale(n int) float64 {
	scale := 1.0
	for n > 100 {
		scale++
		n /= 2
	}
	return scale
}

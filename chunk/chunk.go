// Package chunk splits sanitized page text into knowledge fragments small
// enough to embed one at a time.
//
// Paragraphs (blank-line separated) are packed greedily up to MaxWords. A
// paragraph that alone exceeds MaxWords is cut with a sliding window that
// repeats OverlapWords words between neighbours. Fragments shorter than
// MinWords are folded into their predecessor when that keeps it within
// MaxWords.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Options configures Split.
type Options struct {
	MaxWords     int `yaml:"max_words"`     // default 200
	OverlapWords int `yaml:"overlap_words"` // default 30
	MinWords     int `yaml:"min_words"`     // default 20
}

func (o *Options) defaults() {
	if o.MaxWords <= 0 {
		o.MaxWords = 200
	}
	if o.OverlapWords <= 0 || o.OverlapWords >= o.MaxWords {
		o.OverlapWords = min(30, o.MaxWords/4)
	}
	if o.MinWords <= 0 {
		o.MinWords = 20
	}
}

// Fragment is one piece of text destined for the knowledge index.
type Fragment struct {
	Index int
	Text  string
	Words int
}

// Split divides text into fragments. Empty or whitespace-only text yields nil.
func Split(text string, opts Options) []Fragment {
	opts.defaults()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []Fragment
	emit := func(s string, words int) {
		if words == 0 {
			return
		}
		if n := len(out); n > 0 && words < opts.MinWords && out[n-1].Words+words <= opts.MaxWords {
			out[n-1].Text += "\n\n" + s
			out[n-1].Words += words
			return
		}
		out = append(out, Fragment{Index: len(out), Text: s, Words: words})
	}

	var buf []string
	bufWords := 0
	flush := func() {
		if len(buf) > 0 {
			emit(strings.Join(buf, "\n\n"), bufWords)
		}
		buf, bufWords = nil, 0
	}

	for _, para := range paragraphs(text) {
		words := strings.Fields(para)
		switch {
		case len(words) > opts.MaxWords:
			flush()
			for _, w := range window(words, opts.MaxWords, opts.OverlapWords) {
				emit(strings.Join(w, " "), len(w))
			}
		case bufWords+len(words) > opts.MaxWords:
			flush()
			buf, bufWords = []string{para}, len(words)
		default:
			buf = append(buf, para)
			bufWords += len(words)
		}
	}
	flush()
	return out
}

func window(words []string, size, overlap int) [][]string {
	stride := size - overlap
	var out [][]string
	for start := 0; start < len(words); start += stride {
		end := min(start+size, len(words))
		out = append(out, words[start:end])
		if end == len(words) {
			break
		}
	}
	return out
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EstimateTokens approximates a BPE token count as the mean of a
// four-characters-per-token and a four-tokens-per-three-words estimate.
func EstimateTokens(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}
	}
	return (utf8.RuneCountInString(text)/4 + words*4/3) / 2
}

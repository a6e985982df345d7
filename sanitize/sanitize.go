// CLAUDE:SUMMARY Defangs untrusted text before classification: truncation, markup stripping, injection redaction, whitespace normalization.
// Package sanitize turns raw page or document text into text that is safe to
// hand to a classification capability.
//
// Sanitize never fails. Problems with the input are reported as warnings and
// the caller decides whether the result is worth processing. The transform is
// idempotent on the returned text: nothing it emits matches any of its own
// patterns.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Redacted replaces every prompt-injection match.
const Redacted = "[REDACTED]"

const (
	// DefaultMaxLength is the rune cap applied before any other stage.
	DefaultMaxLength = 1_048_576
	// DefaultMinUsefulLength is the length below which content_too_short is raised.
	DefaultMinUsefulLength = 50
)

// Code identifies a warning kind.
type Code string

const (
	CodeEmptyInput Code = "empty_input"
	CodeNonText    Code = "non_text_input"
	CodeTruncated  Code = "truncated"
	CodeInjection  Code = "injection"
	CodeTooShort   Code = "content_too_short"
)

// Warning is a non-fatal finding about the input.
type Warning struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Result is the output of Sanitize.
type Result struct {
	Text       string    `json:"text"`
	Warnings   []Warning `json:"warnings,omitempty"`
	Redactions int       `json:"redactions"`
}

// Has reports whether a warning with the given code was raised.
func (r Result) Has(code Code) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Categories lists the injection categories that fired, in catalog order.
func (r Result) Categories() []string {
	var out []string
	for _, w := range r.Warnings {
		if w.Code == CodeInjection {
			out = append(out, w.Detail)
		}
	}
	return out
}

// Limits configures the length bounds of a sanitizer.
type Limits struct {
	MaxLength       int
	MinUsefulLength int
}

// DefaultLimits is used by the package-level Sanitize.
var DefaultLimits = Limits{MaxLength: DefaultMaxLength, MinUsefulLength: DefaultMinUsefulLength}

func (l *Limits) defaults() {
	if l.MaxLength <= 0 {
		l.MaxLength = DefaultMaxLength
	}
	if l.MinUsefulLength <= 0 {
		l.MinUsefulLength = DefaultMinUsefulLength
	}
}

// Sanitize runs raw through the pipeline with DefaultLimits.
func Sanitize(raw string) Result {
	return DefaultLimits.Sanitize(raw)
}

var (
	reScript    = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	reStyle     = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	reTag       = regexp.MustCompile(`</?[a-zA-Z!][^>]*>`)
	reEntity    = regexp.MustCompile(`&(#\d+|#[xX][0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)
	reSpaceRun  = regexp.MustCompile(` {3,}`)
	reNewlines  = regexp.MustCompile(`\n{4,}`)
	crlfReplace = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\t", " ")
)

// Sanitize runs raw through truncation, markup stripping, injection
// redaction and whitespace normalization, in that order.
func (l Limits) Sanitize(raw string) Result {
	l.defaults()
	var res Result

	if raw == "" {
		res.Warnings = append(res.Warnings, Warning{Code: CodeEmptyInput, Detail: "input is empty"})
		return res
	}
	if !utf8.ValidString(raw) || strings.IndexByte(raw, 0) >= 0 {
		res.Warnings = append(res.Warnings, Warning{Code: CodeNonText, Detail: "input is not valid text"})
		return res
	}

	text, cut := clamp(raw, l.MaxLength)
	if cut {
		res.Warnings = append(res.Warnings, Warning{Code: CodeTruncated, Detail: "input exceeded " + strconv.Itoa(l.MaxLength) + " characters"})
	}

	text = reScript.ReplaceAllString(text, " ")
	text = reStyle.ReplaceAllString(text, " ")
	text = reTag.ReplaceAllString(text, " ")
	text = reEntity.ReplaceAllString(text, " ")

	text, fired, n := redact(text)
	res.Redactions = n
	for _, c := range fired {
		res.Warnings = append(res.Warnings, Warning{Code: CodeInjection, Detail: c})
	}

	text = normalizeSpace(text)
	// Redaction markers can outgrow the patterns they replace.
	if t, over := clamp(text, l.MaxLength); over {
		text = strings.TrimSpace(t)
	}

	if utf8.RuneCountInString(text) < l.MinUsefulLength {
		res.Warnings = append(res.Warnings, Warning{Code: CodeTooShort, Detail: "fewer than " + strconv.Itoa(l.MinUsefulLength) + " characters"})
	}
	res.Text = text
	return res
}

func normalizeSpace(s string) string {
	s = crlfReplace.Replace(s)
	s = reSpaceRun.ReplaceAllString(s, "  ")
	s = reNewlines.ReplaceAllString(s, "\n\n\n")
	return strings.TrimSpace(s)
}

// clamp cuts s to at most max runes.
func clamp(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}

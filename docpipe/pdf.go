package docpipe

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractPDF returns one section per page with text. Scanned PDFs without a
// text layer yield ErrNoText from Extract.
func extractPDF(data []byte) (string, []Section, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return "", nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var (
		title    string
		sections []Section
	)
	for page := 1; page <= ctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil || r == nil {
			continue
		}
		stream, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		text := textFromStream(stream)
		if text == "" {
			continue
		}
		if title == "" {
			title = firstLine(text)
		}
		sections = append(sections, Section{Text: text, Type: "page", Page: page})
	}
	return title, sections, nil
}

// pdfString matches a literal string operand: (text).
var pdfString = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// textFromStream pulls text shown by Tj, TJ and ' operators out of a
// decoded content stream. Positioning operators become spaces or newlines.
func textFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case len(line) == 0:
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.ContainsRune(line, '('):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			sb.WriteByte(' ')
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// decodePDFString resolves backslash escapes, including 1-3 digit octal.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			val := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func cleanPDFText(text string) string {
	var sb strings.Builder
	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !space && sb.Len() > 0 {
				sb.WriteByte(' ')
				space = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(sb.String())
}

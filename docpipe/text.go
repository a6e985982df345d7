package docpipe

import "strings"

// extractText returns plain text as one section per paragraph.
func extractText(data []byte) (string, []Section) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	var sections []Section
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			sections = append(sections, Section{Text: p, Type: "paragraph"})
		}
	}
	if len(sections) == 0 {
		return "", nil
	}
	return firstLine(sections[0].Text), sections
}

// extractMarkdown splits Markdown on ATX headings (# .. ######) and blank
// lines.
func extractMarkdown(data []byte) (string, []Section) {
	var (
		sections []Section
		title    string
		para     []string
	)
	flush := func() {
		if len(para) > 0 {
			sections = append(sections, Section{Text: strings.Join(para, " "), Type: "paragraph"})
			para = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			flush()
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			heading := strings.TrimSpace(strings.Trim(trimmed, "#"))
			if heading == "" {
				continue
			}
			if title == "" {
				title = heading
			}
			sections = append(sections, Section{Title: heading, Level: min(level, 6), Text: heading, Type: "heading"})
		case trimmed == "":
			flush()
		default:
			para = append(para, trimmed)
		}
	}
	flush()

	if title == "" && len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}

package docpipe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func zipEntry(data []byte, name string) (io.ReadCloser, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// officeCollector accumulates paragraphs into sections. The first heading
// becomes the document title.
type officeCollector struct {
	title    string
	sections []Section
}

func (c *officeCollector) add(text string, level int, kind string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if level > 0 {
		if c.title == "" {
			c.title = text
		}
		c.sections = append(c.sections, Section{Title: text, Level: level, Text: text, Type: "heading"})
		return
	}
	c.sections = append(c.sections, Section{Text: text, Type: kind})
}

// extractDocx reads word/document.xml. Paragraph styles named Title,
// HeadingN (or the French/German equivalents) become headings.
func extractDocx(data []byte) (string, []Section, error) {
	rc, err := zipEntry(data, "word/document.xml")
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	var (
		c     officeCollector
		buf   strings.Builder
		inP   bool
		style string
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inP, style = true, ""
				buf.Reset()
			case "pStyle":
				if inP {
					style = attr(t, "val")
				}
			case "tab":
				if inP {
					buf.WriteByte(' ')
				}
			}
		case xml.CharData:
			if inP {
				buf.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inP {
				inP = false
				c.add(buf.String(), docxHeadingLevel(style), "paragraph")
			}
		}
	}
	return c.title, c.sections, nil
}

func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if rest, ok := strings.CutPrefix(lower, prefix); ok {
			if n, err := strconv.Atoi(rest); err == nil && n >= 1 && n <= 6 {
				return n
			}
		}
	}
	return 0
}

// extractODT reads content.xml: <text:h outline-level> headings,
// <text:p> paragraphs, list items marked as such.
func extractODT(data []byte) (string, []Section, error) {
	rc, err := zipEntry(data, "content.xml")
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	var (
		c         officeCollector
		buf       strings.Builder
		level     int
		inBlock   bool
		listDepth int
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("parse content.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				inBlock, level = true, 1
				buf.Reset()
				if n, err := strconv.Atoi(attr(t, "outline-level")); err == nil && n > 0 {
					level = n
				}
			case "p":
				inBlock, level = true, 0
				buf.Reset()
			case "list":
				listDepth++
			case "s", "tab":
				if inBlock {
					buf.WriteByte(' ')
				}
			}
		case xml.CharData:
			if inBlock {
				buf.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "h", "p":
				if inBlock {
					inBlock = false
					kind := "paragraph"
					if listDepth > 0 {
						kind = "list"
					}
					c.add(buf.String(), level, kind)
				}
			case "list":
				listDepth--
			}
		}
	}
	return c.title, c.sections, nil
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// CLAUDE:SUMMARY Extracts text from uploaded behavior documents (docx, odt, pdf, md, txt, html) held in memory.
// Package docpipe extracts structured text from uploaded document bytes.
//
// Supported formats:
//   - .docx  Microsoft Word (zip → word/document.xml)
//   - .odt   OpenDocument Text (zip → content.xml)
//   - .pdf   via pdfcpu content streams
//   - .md    Markdown with ATX heading detection
//   - .txt   plain text
//   - .html  via golang.org/x/net/html, boilerplate and hidden nodes skipped
//
// When the file name carries no known extension the format is sniffed from
// the leading bytes.
package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat is returned when no extractor matches.
	ErrUnsupportedFormat = errors.New("docpipe: unsupported format")
	// ErrTooLarge is returned when the payload exceeds Config.MaxFileSize.
	ErrTooLarge = errors.New("docpipe: file too large")
	// ErrNoText is returned when a document yields no text at all.
	ErrNoText = errors.New("docpipe: no text content")
)

// Config configures the pipeline.
type Config struct {
	// MaxFileSize is the largest accepted payload (default 20 MB).
	MaxFileSize int64 `yaml:"max_file_size"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 20 << 20
	}
}

// Pipeline dispatches extraction by format.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config, logger *slog.Logger) *Pipeline {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// MaxFileSize returns the effective size limit.
func (p *Pipeline) MaxFileSize() int64 { return p.cfg.MaxFileSize }

// Detect returns the format of a document from its name, falling back to
// content sniffing.
func Detect(name string, data []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return FormatDocx, nil
	case ".odt":
		return FormatODT, nil
	case ".pdf":
		return FormatPDF, nil
	case ".md", ".markdown":
		return FormatMD, nil
	case ".txt", ".text":
		return FormatTXT, nil
	case ".html", ".htm":
		return FormatHTML, nil
	}
	return sniff(data)
}

func sniff(data []byte) (Format, error) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF, nil
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err == nil {
			for _, f := range zr.File {
				switch f.Name {
				case "word/document.xml":
					return FormatDocx, nil
				case "content.xml":
					return FormatODT, nil
				}
			}
		}
		return "", fmt.Errorf("%w: unknown zip container", ErrUnsupportedFormat)
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return FormatHTML, nil
	case strings.HasPrefix(ct, "text/plain") && utf8.Valid(data):
		return FormatTXT, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ct)
}

// Extract parses data and returns its sections and concatenated text.
func (p *Pipeline) Extract(ctx context.Context, name string, data []byte) (*Document, error) {
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), p.cfg.MaxFileSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := Detect(name, data)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("docpipe: extracting", "name", name, "format", format, "bytes", len(data))

	var (
		title    string
		sections []Section
	)
	switch format {
	case FormatDocx:
		title, sections, err = extractDocx(data)
	case FormatODT:
		title, sections, err = extractODT(data)
	case FormatPDF:
		title, sections, err = extractPDF(data)
	case FormatMD:
		title, sections = extractMarkdown(data)
	case FormatTXT:
		title, sections = extractText(data)
	case FormatHTML:
		title, sections, err = extractHTML(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("docpipe: extract %s (%s): %w", name, format, err)
	}

	var sb strings.Builder
	for _, s := range sections {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, ErrNoText
	}

	return &Document{
		Name:     name,
		Format:   format,
		MimeType: format.MimeType(),
		Title:    title,
		Sections: sections,
		Text:     sb.String(),
	}, nil
}

// SupportedFormats lists the accepted extensions.
func SupportedFormats() []string {
	return []string{"docx", "odt", "pdf", "md", "txt", "html"}
}

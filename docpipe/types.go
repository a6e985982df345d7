package docpipe

// Format identifies a document type.
type Format string

const (
	FormatDocx Format = "docx"
	FormatODT  Format = "odt"
	FormatPDF  Format = "pdf"
	FormatMD   Format = "md"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

// MimeType returns the canonical MIME type of the format.
func (f Format) MimeType() string {
	switch f {
	case FormatDocx:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatODT:
		return "application/vnd.oasis.opendocument.text"
	case FormatPDF:
		return "application/pdf"
	case FormatMD:
		return "text/markdown"
	case FormatHTML:
		return "text/html"
	default:
		return "text/plain"
	}
}

// Section is a structural unit of a document.
type Section struct {
	Title string `json:"title,omitempty"`
	Level int    `json:"level"` // heading level 1-6, 0 for body
	Text  string `json:"text"`
	Type  string `json:"type"` // heading, paragraph, table, list, page
	Page  int    `json:"page,omitempty"`
}

// Document is the result of extracting an uploaded file.
type Document struct {
	Name     string    `json:"name"`
	Format   Format    `json:"format"`
	MimeType string    `json:"mime_type"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Text     string    `json:"text"`
}

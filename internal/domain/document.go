package domain

import "strings"

// SourceDocument is an uploaded file after it has been staged to disk.
type SourceDocument struct {
	Filename   string // base name as uploaded
	StagedPath string
	MimeType   string
	Size       int64
	IsText     bool
	Text       string // decoded UTF-8, empty for PDFs
}

// IsPDF reports whether the document was sniffed as a PDF.
func (d *SourceDocument) IsPDF() bool {
	return strings.HasPrefix(d.MimeType, "application/pdf")
}

// NormalizeTopic trims surrounding whitespace from a user-supplied topic.
func NormalizeTopic(topic string) string {
	return strings.TrimSpace(topic)
}

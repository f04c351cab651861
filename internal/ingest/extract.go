package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
)

// ErrUnsupportedFormat indicates no extractor exists for the uploaded
// file type.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document types persisted with each chunk.
const (
	TypePDF  = "pdf"
	TypeDOCX = "docx"
	TypeTXT  = "txt"
	TypeMD   = "md"
)

// detectType resolves the document type from the filename extension,
// falling back to the declared content type.
func detectType(filename, contentType string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return TypePDF, nil
	case ".docx":
		return TypeDOCX, nil
	case ".md", ".markdown":
		return TypeMD, nil
	case ".txt":
		return TypeTXT, nil
	}

	switch {
	case strings.Contains(contentType, "pdf"):
		return TypePDF, nil
	case strings.Contains(contentType, "officedocument.wordprocessingml"):
		return TypeDOCX, nil
	case strings.Contains(contentType, "markdown"):
		return TypeMD, nil
	case strings.HasPrefix(contentType, "text/"):
		return TypeTXT, nil
	}

	return "", fmt.Errorf("%w: %q (%s)", ErrUnsupportedFormat, filename, contentType)
}

// extract decodes file bytes into plain UTF-8 text.
func extract(data []byte, docType string) (string, error) {
	switch docType {
	case TypeTXT, TypeMD:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s file is not valid UTF-8", ErrUnsupportedFormat, docType)
		}
		return string(data), nil

	case TypePDF:
		return extractPDF(data)

	case TypeDOCX:
		// No DOCX extractor is wired in; report it rather than
		// silently producing empty text.
		return "", fmt.Errorf("%w: docx extraction not available", ErrUnsupportedFormat)

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, docType)
	}
}

// extractPDF extracts page text via MuPDF.
func extractPDF(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer doc.Close()

	var pages []string
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err == nil && strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	return strings.Join(pages, "\n\n"), nil
}

// normalize collapses whitespace runs while preserving paragraph
// boundaries (double newlines).
func normalize(text string) string {
	paragraphs := splitParagraphs(text)

	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		collapsed := strings.Join(strings.Fields(p), " ")
		if collapsed != "" {
			out = append(out, collapsed)
		}
	}

	return strings.Join(out, "\n\n")
}

// splitParagraphs splits on runs of 2+ newlines, tolerating \r\n and
// whitespace-only separator lines.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		paragraphs []string
		current    strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			paragraphs = append(paragraphs, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	return paragraphs
}

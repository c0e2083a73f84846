// Package extract validates uploaded study documents and pulls their text.
package extract

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultMaxBytes is the upload size cap (10 MB).
const DefaultMaxBytes = 10 * 1024 * 1024

var (
	allowedMIME = []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	allowedExt = []string{"pdf", "doc", "docx"}
)

// Validation error codes.
const (
	CodeFileTooLarge = "FILE_TOO_LARGE"
	CodeInvalidType  = "INVALID_TYPE"
	CodeEmptyFile    = "EMPTY_FILE"
)

// ValidationError rejects an upload before any content is read.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExtractionError reports a document whose text could not be read.
type ExtractionError struct {
	Name string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Name, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Document is the extracted text of an upload.
type Document struct {
	Name    string
	Size    int64
	Content string
}

// Limits holds the upload constraints.
type Limits struct {
	MaxBytes int64
}

// Validate checks name, MIME type and size against the default limits.
func Validate(name, mimeType string, size int64) error {
	return Limits{MaxBytes: DefaultMaxBytes}.Validate(name, mimeType, size)
}

// Validate accepts a file when either its MIME type or its extension is on
// the allow-list and its size is within MaxBytes.
func (l Limits) Validate(name, mimeType string, size int64) error {
	maxBytes := l.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size <= 0 {
		return &ValidationError{Code: CodeEmptyFile, Message: "File is empty"}
	}
	if !slices.Contains(allowedMIME, mimeType) && !slices.Contains(allowedExt, extension(name)) {
		return &ValidationError{Code: CodeInvalidType, Message: "Please upload only PDF or DOC files"}
	}
	if size > maxBytes {
		return &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("File size must be less than %dMB", maxBytes/1024/1024),
		}
	}
	return nil
}

// Extract returns the plain text of a PDF, DOCX or DOC file. Legacy .doc
// files are only readable when they are really OOXML packages.
func Extract(name string, data []byte) (Document, error) {
	var (
		text string
		err  error
	)
	switch extension(name) {
	case "pdf":
		text, err = pdfText(data)
	case "docx", "doc":
		text, err = docxText(data)
	default:
		return Document{}, &ValidationError{Code: CodeInvalidType, Message: "Please upload only PDF or DOC files"}
	}
	if err != nil {
		return Document{}, &ExtractionError{Name: name, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, &ExtractionError{Name: name, Err: fmt.Errorf("no text could be extracted from this document")}
	}
	return Document{Name: name, Size: int64(len(data)), Content: text}, nil
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		mime     string
		size     int64
		wantCode string
	}{
		{"pdf by mime", "notes", "application/pdf", 1024, ""},
		{"docx by extension", "essay.DOCX", "application/octet-stream", 1024, ""},
		{"doc by mime", "x", "application/msword", 1024, ""},
		{"image rejected", "photo.png", "image/png", 1024, CodeInvalidType},
		{"exactly 10MB", "a.pdf", "application/pdf", DefaultMaxBytes, ""},
		{"too large", "a.pdf", "application/pdf", DefaultMaxBytes + 1, CodeFileTooLarge},
		{"empty", "a.pdf", "application/pdf", 0, CodeEmptyFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.file, tt.mime, tt.size)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ve.Code, tt.wantCode)
			}
		})
	}
}

func TestLimits_CustomMax(t *testing.T) {
	l := Limits{MaxBytes: 2 * 1024 * 1024}
	err := l.Validate("a.pdf", "application/pdf", 3*1024*1024)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != CodeFileTooLarge {
		t.Fatalf("Validate() = %v, want FILE_TOO_LARGE", err)
	}
	if !strings.Contains(ve.Message, "2MB") {
		t.Errorf("Message = %q, want limit mentioned", ve.Message)
	}
}

func TestExtract_DOCX(t *testing.T) {
	data := buildDOCX(t, "Photosynthesis converts light.", "Chlorophyll absorbs red &amp; blue.")
	doc, err := Extract("bio.docx", data)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := "Photosynthesis converts light.\nChlorophyll absorbs red & blue."
	if doc.Content != want {
		t.Errorf("Content = %q, want %q", doc.Content, want)
	}
	if doc.Name != "bio.docx" || doc.Size != int64(len(data)) {
		t.Errorf("doc = %+v", doc)
	}
}

func TestExtract_DOCXEmptyText(t *testing.T) {
	_, err := Extract("blank.docx", buildDOCX(t, "   "))
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("Extract() = %v, want *ExtractionError", err)
	}
}

func TestExtract_LegacyDOCNotZip(t *testing.T) {
	_, err := Extract("old.doc", []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1})
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("Extract() = %v, want *ExtractionError", err)
	}
}

func TestExtract_MissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("other.xml")
	w.Write([]byte("<x/>"))
	zw.Close()

	_, err := Extract("broken.docx", buf.Bytes())
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("Extract() = %v, want *ExtractionError", err)
	}
}

func TestExtract_InvalidPDF(t *testing.T) {
	_, err := Extract("scan.pdf", []byte("not a pdf at all"))
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("Extract() = %v, want *ExtractionError", err)
	}
}

func TestExtract_UnsupportedExtension(t *testing.T) {
	_, err := Extract("notes.txt", []byte("hello"))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != CodeInvalidType {
		t.Fatalf("Extract() = %v, want INVALID_TYPE", err)
	}
}

// Package extractor converts PDF bytes into plain text or rendered page images.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

var (
	ErrNotPDF = errors.New("extractor: content is not a PDF")
	ErrNoText = errors.New("extractor: no extractable text")
)

// IsPDF sniffs the content type from magic bytes.
func IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is("application/pdf")
}

// ExtractText returns the text of every page joined by blank lines. The
// result is sanitized; ErrNoText is returned when nothing printable remains.
func ExtractText(data []byte) (text string, err error) {
	if len(data) == 0 || !IsPDF(data) {
		return "", ErrNotPDF
	}
	// ledongthuc/pdf panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("extractor: parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extractor: open pdf: %w", err)
	}

	parts := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extractor: page %d: %w", i, err)
		}
		if strings.TrimSpace(pageText) != "" {
			parts = append(parts, pageText)
		}
	}

	text = Sanitize(strings.Join(parts, "\n\n"))
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return text, nil
}

// Sanitize drops invalid UTF-8, NUL bytes and non-printable runes other than
// newline, carriage return and tab.
func Sanitize(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r == 0 || r == utf8.RuneError:
			return -1
		case !unicode.IsPrint(r) && !unicode.IsSpace(r):
			return -1
		}
		return r
	}, s)
}

// Truncate cuts s to at most n runes without splitting a code point.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

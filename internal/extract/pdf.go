package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/ledongthuc/pdf"
)

// Result holds extracted document text plus whatever metadata the file
// carried in its Info dictionary.
type Result struct {
	Text    string
	Title   string
	Author  string
	Created string
	Pages   int
}

// PDF extracts plain text and metadata from raw PDF bytes.
// The underlying parser panics on some malformed files, so the whole
// extraction is guarded and reported as an ordinary error.
func PDF(data []byte) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely.
			continue
		}
		text = normalizeText(text)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Result{}, fmt.Errorf("no text extracted from pdf")
	}

	res = Result{Text: text, Pages: totalPages}
	info := reader.Trailer().Key("Info")
	if info.Kind() == pdf.Dict {
		res.Title = infoString(info, "Title")
		res.Author = infoString(info, "Author")
		res.Created = infoString(info, "CreationDate")
	}
	return res, nil
}

func infoString(info pdf.Value, key string) string {
	v := info.Key(key)
	if v.Kind() != pdf.String {
		return ""
	}
	return strings.TrimSpace(decodePDFString(v.RawString()))
}

// decodePDFString handles the UTF-16BE encoding PDF uses for non-ASCII
// metadata strings (identified by a BOM prefix).
func decodePDFString(raw string) string {
	if !strings.HasPrefix(raw, "\xfe\xff") {
		return raw
	}
	b := []byte(raw[2:])
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(units))
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

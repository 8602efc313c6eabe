package pdfextract

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

var ErrMalformed = errors.New("malformed pdf")

// ExtractText returns at most limit bytes of plain text from a PDF held in
// memory. A limit of zero or less means no limit. An empty document yields
// an empty string.
func ExtractText(data []byte, limit int64) (text string, err error) {
	if len(data) == 0 {
		return "", nil
	}
	// The parser panics on some damaged inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if limit > 0 {
		plain = io.LimitReader(plain, limit)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text failed: %w", err)
	}
	return string(out), nil
}

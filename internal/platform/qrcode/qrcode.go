// Package qrcode renders exam label payloads as PNG QR symbols.
package qrcode

import (
	"errors"
	"fmt"

	goqr "github.com/skip2/go-qrcode"
)

const (
	DefaultSize = 256
	MinSize     = 64
	MaxSize     = 1024
)

var ErrEmptyContent = errors.New("qr content is empty")

// Render encodes text at the highest error-correction level so labels
// survive smudges. size is clamped to [MinSize, MaxSize]; zero selects
// DefaultSize.
func Render(text string, size int) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyContent
	}
	png, err := goqr.Encode(text, goqr.Highest, ClampSize(size))
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return png, nil
}

func ClampSize(size int) int {
	switch {
	case size == 0:
		return DefaultSize
	case size < MinSize:
		return MinSize
	case size > MaxSize:
		return MaxSize
	}
	return size
}

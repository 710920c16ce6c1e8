package ctrutil

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeUTF16LE decodes a little-endian UTF-16 payload, as used by RomFS names and SMDH titles.
func DecodeUTF16LE(src []byte) (string, error) {
	if len(src)%2 != 0 {
		return "", fmt.Errorf("%w: UTF-16 payload must have an even length, got %d", ErrInvalidFormat, len(src))
	}

	dst, err := utf16LE.NewDecoder().Bytes(src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return string(dst), nil
}

// DecodeUTF16LEString decodes a fixed-size, NUL-padded UTF-16 field.
func DecodeUTF16LEString(src []byte) (string, error) {
	s, err := DecodeUTF16LE(src)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s, nil
}

// EncodeUTF16LE encodes s as little-endian UTF-16 without byte order mark.
func EncodeUTF16LE(s string) ([]byte, error) {
	return utf16LE.NewEncoder().Bytes([]byte(s))
}

package ctrutil

import "errors"

// Errors shared by every format parser. Use errors.Is to match them.
var (
	// ErrInvalidFormat is returned for bad magics, truncated structures and out-of-range offsets.
	ErrInvalidFormat = errors.New("invalid format")
	// ErrEncryptionUnavailable is returned when a key or seed needed for decryption is missing.
	ErrEncryptionUnavailable = errors.New("encryption unavailable")
	// ErrNotPresent is returned when a requested section or region does not exist.
	ErrNotPresent = errors.New("not present")
)

// AlignUp rounds value up to the next multiple of align.
func AlignUp[T ~int | ~int64 | ~uint32 | ~uint64](value, align T) T {
	return (value + align - 1) / align * align
}

// Package patch applies the binary diff formats found in user mod directories.
//
// Patch functions never mutate their input in place: they either return a freshly patched
// buffer or fail with an error wrapping ErrRejected.
package patch

import (
	"errors"
	"strings"
)

// ErrRejected is returned when a patch cannot be applied to the given buffer.
var ErrRejected = errors.New("patch rejected")

// Func applies a patch to buf and returns the patched content.
type Func func(patch, buf []byte) ([]byte, error)

var byExtension = map[string]Func{
	".ips": ApplyIPS,
	".bps": ApplyBPS,
}

// ForExtension returns the patch function handling files with the given extension (case
// insensitive, including the leading dot).
func ForExtension(ext string) (Func, bool) {
	fn, ok := byExtension[strings.ToLower(ext)]
	return fn, ok
}

// Extensions lists the supported patch file extensions.
func Extensions() []string {
	return []string{".ips", ".bps"}
}

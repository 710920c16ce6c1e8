package ctrfs

import (
	"bytes"
	"fmt"
	"io"

	"go4.org/readerutil"

	"github.com/connesc/ctrfs/ctrutil"
)

// readAt reads exactly size bytes at offset. A short read is reported as an invalid format,
// since it always means that a structure crosses the end of its container. Sizes come from
// untrusted headers: the range is checked against src before anything is allocated.
func readAt(src readerutil.SizeReaderAt, offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 || int64(size) > src.Size()-offset {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) is truncated", ctrutil.ErrInvalidFormat, offset, offset+int64(size))
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := src.ReadAt(buf, offset)
	if n == size {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) is truncated", ctrutil.ErrInvalidFormat, offset, offset+int64(size))
	}
	return nil, err
}

// cString decodes a NUL-padded ASCII field.
func cString(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

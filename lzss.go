package ctrfs

import (
	"encoding/binary"
	"fmt"

	"github.com/connesc/ctrfs/ctrutil"
)

// maxLZSSExtraSize bounds the output of LZSSDecompress, the .code of a process never gets close.
const maxLZSSExtraSize = 64 << 20

// LZSSDecompress decompresses a .code section compressed with the backward LZSS variant used
// by ExeFS.
//
// The last 4 bytes of the buffer hold the size added by decompression, and the 4 bytes before
// them the distances from the end of the buffer to the first control byte (high byte) and
// to the end of the compressed stream (low 24 bits). The stream is decoded backward, from
// the end of the output to its start.
func LZSSDecompress(compressed []byte) ([]byte, error) {
	size := len(compressed)
	if size < 8 {
		return nil, fmt.Errorf("lzss: %w: buffer is too small", ctrutil.ErrInvalidFormat)
	}

	topAndBottom := binary.LittleEndian.Uint32(compressed[size-8:])
	extra := binary.LittleEndian.Uint32(compressed[size-4:])
	if extra > maxLZSSExtraSize {
		return nil, fmt.Errorf("lzss: %w: decompressed size is too large", ctrutil.ErrInvalidFormat)
	}

	index := size - int(topAndBottom>>24)
	stop := size - int(topAndBottom&0xffffff)
	if index < 0 || stop < 0 {
		return nil, fmt.Errorf("lzss: %w: stream bounds are out of the buffer", ctrutil.ErrInvalidFormat)
	}

	outSize := size + int(extra)
	out := make([]byte, outSize)
	copy(out, compressed)
	pos := outSize

	for index > stop {
		index--
		control := compressed[index]

		for i := 0; i < 8 && index > stop && pos > 0; i++ {
			if control&0x80 == 0 {
				index--
				pos--
				out[pos] = compressed[index]
			} else {
				if index < 2 {
					return nil, fmt.Errorf("lzss: %w: back-reference crosses the start of the buffer", ctrutil.ErrInvalidFormat)
				}
				index -= 2
				segment := int(binary.LittleEndian.Uint16(compressed[index:]))
				length := segment>>12&0xf + 3
				distance := segment&0xfff + 2

				if pos < length {
					return nil, fmt.Errorf("lzss: %w: back-reference writes before the start of the output", ctrutil.ErrInvalidFormat)
				}
				for j := 0; j < length; j++ {
					if pos+distance >= outSize {
						return nil, fmt.Errorf("lzss: %w: back-reference reads past the end of the output", ctrutil.ErrInvalidFormat)
					}
					out[pos-1] = out[pos+distance]
					pos--
				}
			}
			control <<= 1
		}
	}
	return out, nil
}

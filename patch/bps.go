package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var bpsMagic = []byte("BPS1")

const (
	bpsFooterSize    = 12
	maxBPSTargetSize = 1 << 31
)

const (
	bpsSourceRead = iota
	bpsTargetRead
	bpsSourceCopy
	bpsTargetCopy
)

type bpsDecoder struct {
	patch []byte
	pos   int
	end   int
}

func (d *bpsDecoder) number() (uint64, error) {
	var value uint64
	shift := uint64(1)
	for {
		if d.pos >= d.end {
			return 0, fmt.Errorf("patch: bps: truncated number at 0x%x: %w", d.pos, ErrRejected)
		}
		x := d.patch[d.pos]
		d.pos++
		value += uint64(x&0x7f) * shift
		if x&0x80 != 0 {
			return value, nil
		}
		if shift > 1<<56 {
			return 0, fmt.Errorf("patch: bps: number overflow at 0x%x: %w", d.pos, ErrRejected)
		}
		shift <<= 7
		value += shift
	}
}

func (d *bpsDecoder) relative(cursor int) (int, error) {
	data, err := d.number()
	if err != nil {
		return 0, err
	}
	delta := int64(data >> 1)
	if data&1 != 0 {
		delta = -delta
	}
	next := int64(cursor) + delta
	if next < 0 || next > int64(^uint32(0)) {
		return 0, fmt.Errorf("patch: bps: relative offset %d out of range: %w", next, ErrRejected)
	}
	return int(next), nil
}

// ApplyBPS applies a BPS patch to source and returns the target it describes.
//
// The source, target and patch checksums stored in the footer are all verified.
func ApplyBPS(patch, source []byte) ([]byte, error) {
	if len(patch) < len(bpsMagic)+bpsFooterSize || !bytes.HasPrefix(patch, bpsMagic) {
		return nil, fmt.Errorf("patch: bps: invalid header: %w", ErrRejected)
	}

	footer := patch[len(patch)-bpsFooterSize:]
	sourceCRC := binary.LittleEndian.Uint32(footer[0x0:])
	targetCRC := binary.LittleEndian.Uint32(footer[0x4:])
	patchCRC := binary.LittleEndian.Uint32(footer[0x8:])

	if crc := crc32.ChecksumIEEE(patch[:len(patch)-4]); crc != patchCRC {
		return nil, fmt.Errorf("patch: bps: patch checksum mismatch (%08x != %08x): %w", crc, patchCRC, ErrRejected)
	}
	if crc := crc32.ChecksumIEEE(source); crc != sourceCRC {
		return nil, fmt.Errorf("patch: bps: source checksum mismatch (%08x != %08x): %w", crc, sourceCRC, ErrRejected)
	}

	d := &bpsDecoder{patch: patch, pos: len(bpsMagic), end: len(patch) - bpsFooterSize}

	sourceSize, err := d.number()
	if err != nil {
		return nil, err
	}
	if sourceSize != uint64(len(source)) {
		return nil, fmt.Errorf("patch: bps: source size mismatch (%d != %d): %w", len(source), sourceSize, ErrRejected)
	}
	targetSize, err := d.number()
	if err != nil {
		return nil, err
	}
	if targetSize > maxBPSTargetSize {
		return nil, fmt.Errorf("patch: bps: target size %d is too large: %w", targetSize, ErrRejected)
	}
	metadataSize, err := d.number()
	if err != nil {
		return nil, err
	}
	if metadataSize > uint64(d.end-d.pos) {
		return nil, fmt.Errorf("patch: bps: truncated metadata: %w", ErrRejected)
	}
	d.pos += int(metadataSize)

	target := make([]byte, targetSize)
	out := 0
	sourceRelative := 0
	targetRelative := 0

	for d.pos < d.end {
		data, err := d.number()
		if err != nil {
			return nil, err
		}
		command := data & 3
		length64 := data>>2 + 1
		if length64 > uint64(len(target)-out) {
			return nil, fmt.Errorf("patch: bps: command at output 0x%x writes past target end: %w", out, ErrRejected)
		}
		length := int(length64)

		switch command {
		case bpsSourceRead:
			if out+length > len(source) {
				return nil, fmt.Errorf("patch: bps: source read past end: %w", ErrRejected)
			}
			copy(target[out:out+length], source[out:])

		case bpsTargetRead:
			if length > d.end-d.pos {
				return nil, fmt.Errorf("patch: bps: truncated target read: %w", ErrRejected)
			}
			copy(target[out:out+length], patch[d.pos:])
			d.pos += length

		case bpsSourceCopy:
			sourceRelative, err = d.relative(sourceRelative)
			if err != nil {
				return nil, err
			}
			if sourceRelative+length > len(source) {
				return nil, fmt.Errorf("patch: bps: source copy past end: %w", ErrRejected)
			}
			copy(target[out:out+length], source[sourceRelative:])
			sourceRelative += length

		case bpsTargetCopy:
			targetRelative, err = d.relative(targetRelative)
			if err != nil {
				return nil, err
			}
			if targetRelative >= out {
				return nil, fmt.Errorf("patch: bps: target copy from unwritten data: %w", ErrRejected)
			}
			// Byte by byte: the ranges may overlap to repeat a pattern.
			for i := 0; i < length; i++ {
				target[out+i] = target[targetRelative+i]
			}
			targetRelative += length
		}
		out += length
	}

	if out != len(target) {
		return nil, fmt.Errorf("patch: bps: target is incomplete (%d of %d bytes): %w", out, len(target), ErrRejected)
	}
	if crc := crc32.ChecksumIEEE(target); crc != targetCRC {
		return nil, fmt.Errorf("patch: bps: target checksum mismatch (%08x != %08x): %w", crc, targetCRC, ErrRejected)
	}
	return target, nil
}

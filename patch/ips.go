package patch

import (
	"bytes"
	"fmt"
)

var (
	ipsMagic = []byte("PATCH")
	ipsEOF   = []byte("EOF")
)

type ipsRecord struct {
	offset int
	data   []byte
	count  int
	fill   byte
	rle    bool
}

func (r *ipsRecord) length() int {
	if r.rle {
		return r.count
	}
	return len(r.data)
}

// ApplyIPS applies an IPS patch to a copy of buf.
//
// The patch cannot grow the buffer: any record writing past its end rejects the whole patch.
// The "EOF" tag ends the record stream, anything after it is ignored.
func ApplyIPS(patch, buf []byte) ([]byte, error) {
	records, err := parseIPS(patch, len(buf))
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), buf...)
	for _, record := range records {
		if record.rle {
			fill := out[record.offset : record.offset+record.count]
			for i := range fill {
				fill[i] = record.fill
			}
		} else {
			copy(out[record.offset:], record.data)
		}
	}
	return out, nil
}

func parseIPS(patch []byte, size int) ([]ipsRecord, error) {
	if !bytes.HasPrefix(patch, ipsMagic) {
		return nil, fmt.Errorf("patch: ips: invalid magic: %w", ErrRejected)
	}

	var records []ipsRecord
	pos := len(ipsMagic)
	for {
		if bytes.HasPrefix(patch[pos:], ipsEOF) {
			return records, nil
		}
		if len(patch)-pos < 5 {
			return nil, fmt.Errorf("patch: ips: truncated record header at 0x%x: %w", pos, ErrRejected)
		}

		header := patch[pos : pos+5]
		pos += 5

		record := ipsRecord{
			offset: int(header[0])<<16 | int(header[1])<<8 | int(header[2]),
		}
		length := int(header[3])<<8 | int(header[4])

		if length == 0 {
			if len(patch)-pos < 3 {
				return nil, fmt.Errorf("patch: ips: truncated RLE record at 0x%x: %w", pos, ErrRejected)
			}
			record.rle = true
			record.count = int(patch[pos])<<8 | int(patch[pos+1])
			record.fill = patch[pos+2]
			pos += 3
		} else {
			if len(patch)-pos < length {
				return nil, fmt.Errorf("patch: ips: truncated record data at 0x%x: %w", pos, ErrRejected)
			}
			record.data = patch[pos : pos+length]
			pos += length
		}

		if record.offset+record.length() > size {
			return nil, fmt.Errorf("patch: ips: record [0x%x, 0x%x) exceeds buffer size 0x%x: %w",
				record.offset, record.offset+record.length(), size, ErrRejected)
		}
		records = append(records, record)
	}
}

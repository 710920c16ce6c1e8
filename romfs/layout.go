// Package romfs implements the RomFS archive format embedded in NCCH containers.
//
// The archive starts with a 0x28-byte header locating four tables (directory hash table,
// directory metadata, file hash table, file metadata) and the data region. All table offsets
// are relative to their table.
package romfs

import (
	"encoding/binary"
	"fmt"

	"github.com/connesc/ctrfs/ctrutil"
)

const (
	// HeaderSize of a RomFS level 3 header.
	HeaderSize = 0x28
	// DirectoryRecordSize is the size of a directory metadata record, without its name.
	DirectoryRecordSize = 0x18
	// FileRecordSize is the size of a file metadata record, without its name.
	FileRecordSize = 0x20
	// DataAlignment of file data in the data region.
	DataAlignment = 0x10
)

// None is the sentinel value of every absent offset.
const None uint32 = 0xFFFFFFFF

// Table locates one of the four metadata tables.
type Table struct {
	Offset uint32
	Length uint32
}

// End offset of the table, exclusive.
func (t Table) End() uint64 {
	return uint64(t.Offset) + uint64(t.Length)
}

// Header of a RomFS archive.
type Header struct {
	DirectoryHash     Table
	DirectoryMetadata Table
	FileHash          Table
	FileMetadata      Table
	DataOffset        uint32
}

// ParseHeader decodes and validates a header against the total archive size.
func ParseHeader(raw []byte, size int64) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("romfs: %w: header is truncated", ctrutil.ErrInvalidFormat)
	}
	if length := binary.LittleEndian.Uint32(raw[0x0:]); length != HeaderSize {
		return nil, fmt.Errorf("romfs: %w: unexpected header length 0x%x", ctrutil.ErrInvalidFormat, length)
	}

	readTable := func(offset int) Table {
		return Table{
			Offset: binary.LittleEndian.Uint32(raw[offset:]),
			Length: binary.LittleEndian.Uint32(raw[offset+4:]),
		}
	}
	header := &Header{
		DirectoryHash:     readTable(0x04),
		DirectoryMetadata: readTable(0x0C),
		FileHash:          readTable(0x14),
		FileMetadata:      readTable(0x1C),
		DataOffset:        binary.LittleEndian.Uint32(raw[0x24:]),
	}

	tables := []struct {
		name  string
		table Table
	}{
		{"directory hash", header.DirectoryHash},
		{"directory metadata", header.DirectoryMetadata},
		{"file hash", header.FileHash},
		{"file metadata", header.FileMetadata},
	}
	for _, t := range tables {
		if t.table.Offset < HeaderSize || t.table.End() > uint64(size) {
			return nil, fmt.Errorf("romfs: %w: %s table [0x%x, 0x%x) is out of bounds", ctrutil.ErrInvalidFormat, t.name, t.table.Offset, t.table.End())
		}
	}
	if uint64(header.DataOffset) > uint64(size) {
		return nil, fmt.Errorf("romfs: %w: data offset 0x%x is out of bounds", ctrutil.ErrInvalidFormat, header.DataOffset)
	}
	return header, nil
}

// AppendBinary encodes the header.
func (h *Header) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, HeaderSize)
	for _, table := range []Table{h.DirectoryHash, h.DirectoryMetadata, h.FileHash, h.FileMetadata} {
		dst = binary.LittleEndian.AppendUint32(dst, table.Offset)
		dst = binary.LittleEndian.AppendUint32(dst, table.Length)
	}
	return binary.LittleEndian.AppendUint32(dst, h.DataOffset)
}

// DirectoryRecord is a directory metadata record.
type DirectoryRecord struct {
	Parent     uint32
	Sibling    uint32
	Child      uint32
	File       uint32
	HashNext   uint32
	NameLength uint32
}

// ParseDirectoryRecord decodes the fixed part of the directory record at offset in table.
func ParseDirectoryRecord(table []byte, offset uint32) (DirectoryRecord, []byte, error) {
	if uint64(offset)+DirectoryRecordSize > uint64(len(table)) {
		return DirectoryRecord{}, nil, fmt.Errorf("romfs: %w: directory record 0x%x is out of bounds", ctrutil.ErrInvalidFormat, offset)
	}
	raw := table[offset:]
	record := DirectoryRecord{
		Parent:     binary.LittleEndian.Uint32(raw[0x00:]),
		Sibling:    binary.LittleEndian.Uint32(raw[0x04:]),
		Child:      binary.LittleEndian.Uint32(raw[0x08:]),
		File:       binary.LittleEndian.Uint32(raw[0x0C:]),
		HashNext:   binary.LittleEndian.Uint32(raw[0x10:]),
		NameLength: binary.LittleEndian.Uint32(raw[0x14:]),
	}
	name, err := recordName(table, uint64(offset)+DirectoryRecordSize, record.NameLength)
	if err != nil {
		return DirectoryRecord{}, nil, fmt.Errorf("romfs: directory record 0x%x: %w", offset, err)
	}
	return record, name, nil
}

// AppendBinary encodes the record followed by its name, padded to 4 bytes.
func (r DirectoryRecord) AppendBinary(dst []byte, name []byte) []byte {
	for _, v := range []uint32{r.Parent, r.Sibling, r.Child, r.File, r.HashNext, uint32(len(name))} {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return appendName(dst, name)
}

// FileRecord is a file metadata record.
type FileRecord struct {
	Parent     uint32
	Sibling    uint32
	DataOffset uint64
	DataLength uint64
	HashNext   uint32
	NameLength uint32
}

// ParseFileRecord decodes the fixed part of the file record at offset in table.
func ParseFileRecord(table []byte, offset uint32) (FileRecord, []byte, error) {
	if uint64(offset)+FileRecordSize > uint64(len(table)) {
		return FileRecord{}, nil, fmt.Errorf("romfs: %w: file record 0x%x is out of bounds", ctrutil.ErrInvalidFormat, offset)
	}
	raw := table[offset:]
	record := FileRecord{
		Parent:     binary.LittleEndian.Uint32(raw[0x00:]),
		Sibling:    binary.LittleEndian.Uint32(raw[0x04:]),
		DataOffset: binary.LittleEndian.Uint64(raw[0x08:]),
		DataLength: binary.LittleEndian.Uint64(raw[0x10:]),
		HashNext:   binary.LittleEndian.Uint32(raw[0x18:]),
		NameLength: binary.LittleEndian.Uint32(raw[0x1C:]),
	}
	name, err := recordName(table, uint64(offset)+FileRecordSize, record.NameLength)
	if err != nil {
		return FileRecord{}, nil, fmt.Errorf("romfs: file record 0x%x: %w", offset, err)
	}
	return record, name, nil
}

// AppendBinary encodes the record followed by its name, padded to 4 bytes.
func (r FileRecord) AppendBinary(dst []byte, name []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, r.Parent)
	dst = binary.LittleEndian.AppendUint32(dst, r.Sibling)
	dst = binary.LittleEndian.AppendUint64(dst, r.DataOffset)
	dst = binary.LittleEndian.AppendUint64(dst, r.DataLength)
	dst = binary.LittleEndian.AppendUint32(dst, r.HashNext)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(name)))
	return appendName(dst, name)
}

func recordName(table []byte, start uint64, length uint32) ([]byte, error) {
	if length%2 != 0 {
		return nil, fmt.Errorf("%w: odd name length %d", ctrutil.ErrInvalidFormat, length)
	}
	if start+uint64(length) > uint64(len(table)) {
		return nil, fmt.Errorf("%w: name crosses the end of the table", ctrutil.ErrInvalidFormat)
	}
	return table[start : start+uint64(length)], nil
}

func appendName(dst []byte, name []byte) []byte {
	dst = append(dst, name...)
	for i := len(name); i%4 != 0; i++ {
		dst = append(dst, 0)
	}
	return dst
}

// DirectoryRecordLength is the encoded size of a directory record with the given name length.
func DirectoryRecordLength(nameLength int) uint32 {
	return DirectoryRecordSize + ctrutil.AlignUp(uint32(nameLength), 4)
}

// FileRecordLength is the encoded size of a file record with the given name length.
func FileRecordLength(nameLength int) uint32 {
	return FileRecordSize + ctrutil.AlignUp(uint32(nameLength), 4)
}

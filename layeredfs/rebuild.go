package layeredfs

import (
	"encoding/binary"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/romfs"
)

type dataEntry struct {
	offset int64 // relative to the data region
	file   int
}

// image is the serialized form of a tree.
type image struct {
	metadata    []byte
	dataSize    int64
	entries     []dataEntry // sorted by offset, non-empty files only
	dataOffsets []int64     // per file, -1 for removed files
}

func (i *image) size() int64 {
	return int64(len(i.metadata)) + i.dataSize
}

// rebuild serializes the tree. Directory records are laid out starting with the root; then,
// for each directory, its files, its child directories and finally the content of each child
// directory.
func (t *tree) rebuild() *image {
	dirOffsets := make([]uint32, len(t.dirs))
	fileOffsets := make([]uint32, len(t.files))
	var dirOrder, fileOrder []int
	var dirEnd, fileEnd uint32

	prepareDir := func(index int) {
		dirOffsets[index] = dirEnd
		dirOrder = append(dirOrder, index)
		dirEnd += romfs.DirectoryRecordLength(len(t.dirs[index].name))
	}
	var prepare func(index int)
	prepare = func(index int) {
		for _, f := range t.dirs[index].files {
			if t.files[f].removed() {
				continue
			}
			fileOffsets[f] = fileEnd
			fileOrder = append(fileOrder, f)
			fileEnd += romfs.FileRecordLength(len(t.files[f].name))
		}
		for _, d := range t.dirs[index].dirs {
			prepareDir(d)
		}
		for _, d := range t.dirs[index].dirs {
			prepare(d)
		}
	}
	prepareDir(0)
	prepare(0)

	dirSiblings := make([]uint32, len(t.dirs))
	fileSiblings := make([]uint32, len(t.files))
	firstFiles := make([]uint32, len(t.dirs))
	for i := range t.dirs {
		dirSiblings[i] = romfs.None
		firstFiles[i] = romfs.None
	}
	for i := range t.dirs {
		children := t.dirs[i].dirs
		for k := 0; k+1 < len(children); k++ {
			dirSiblings[children[k]] = dirOffsets[children[k+1]]
		}

		previous := -1
		for _, f := range t.dirs[i].files {
			if t.files[f].removed() {
				continue
			}
			fileSiblings[f] = romfs.None
			if previous < 0 {
				firstFiles[i] = fileOffsets[f]
			} else {
				fileSiblings[previous] = fileOffsets[f]
			}
			previous = f
		}
	}

	dirHash := newHashTable(len(dirOrder))
	dirTable := make([]byte, 0, dirEnd)
	for _, index := range dirOrder {
		d := &t.dirs[index]
		record := romfs.DirectoryRecord{
			Parent:  dirOffsets[d.parent],
			Sibling: dirSiblings[index],
			Child:   romfs.None,
			File:    firstFiles[index],
		}
		if len(d.dirs) > 0 {
			record.Child = dirOffsets[d.dirs[0]]
		}
		record.HashNext = dirHash.insert(romfs.HashName(record.Parent, d.name), dirOffsets[index])
		dirTable = record.AppendBinary(dirTable, d.name)
	}

	img := &image{dataOffsets: make([]int64, len(t.files))}
	for i := range img.dataOffsets {
		img.dataOffsets[i] = -1
	}

	fileHash := newHashTable(len(fileOrder))
	fileTable := make([]byte, 0, fileEnd)
	for _, index := range fileOrder {
		f := &t.files[index]
		length := f.relocation.size()
		record := romfs.FileRecord{
			Parent:     dirOffsets[f.parent],
			Sibling:    fileSiblings[index],
			DataOffset: uint64(img.dataSize),
			DataLength: uint64(length),
		}
		if length > 0 {
			img.entries = append(img.entries, dataEntry{offset: img.dataSize, file: index})
		}
		img.dataOffsets[index] = img.dataSize
		img.dataSize += ctrutil.AlignUp(length, romfs.DataAlignment)

		record.HashNext = fileHash.insert(romfs.HashName(record.Parent, f.name), fileOffsets[index])
		fileTable = record.AppendBinary(fileTable, f.name)
	}

	header := romfs.Header{}
	header.DirectoryHash = romfs.Table{Offset: romfs.HeaderSize, Length: dirHash.length()}
	header.DirectoryMetadata = romfs.Table{Offset: header.DirectoryHash.Offset + header.DirectoryHash.Length, Length: uint32(len(dirTable))}
	header.FileHash = romfs.Table{Offset: header.DirectoryMetadata.Offset + header.DirectoryMetadata.Length, Length: fileHash.length()}
	header.FileMetadata = romfs.Table{Offset: header.FileHash.Offset + header.FileHash.Length, Length: uint32(len(fileTable))}
	header.DataOffset = ctrutil.AlignUp(header.FileMetadata.Offset+header.FileMetadata.Length, romfs.DataAlignment)

	metadata := make([]byte, 0, header.DataOffset)
	metadata = header.AppendBinary(metadata)
	metadata = dirHash.appendBinary(metadata)
	metadata = append(metadata, dirTable...)
	metadata = fileHash.appendBinary(metadata)
	metadata = append(metadata, fileTable...)
	img.metadata = append(metadata, make([]byte, int(header.DataOffset)-len(metadata))...)

	return img
}

type hashTable []uint32

func newHashTable(count int) hashTable {
	table := make(hashTable, romfs.HashTableSize(uint32(count)))
	for i := range table {
		table[i] = romfs.None
	}
	return table
}

// insert pushes offset at the head of its bucket and returns the previous head.
func (t hashTable) insert(hash, offset uint32) uint32 {
	bucket := hash % uint32(len(t))
	next := t[bucket]
	t[bucket] = offset
	return next
}

func (t hashTable) length() uint32 {
	return uint32(len(t)) * 4
}

func (t hashTable) appendBinary(dst []byte) []byte {
	for _, v := range t {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst
}

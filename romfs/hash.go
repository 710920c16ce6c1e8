package romfs

import "encoding/binary"

const hashSeed = 123456789

// HashName computes the hash bucket key of an entry, from its parent offset and its UTF-16LE
// encoded name.
func HashName(parent uint32, name []byte) uint32 {
	hash := parent ^ hashSeed
	for i := 0; i+1 < len(name); i += 2 {
		hash = hash>>5 | hash<<27
		hash ^= uint32(binary.LittleEndian.Uint16(name[i:]))
	}
	return hash
}

// HashTableSize returns the number of buckets used for count entries.
func HashTableSize(count uint32) uint32 {
	switch {
	case count < 3:
		return 3
	case count < 19:
		return count | 1
	}
	size := count
	for !hashTableSizeOK(size) {
		size++
	}
	return size
}

func hashTableSizeOK(size uint32) bool {
	for _, divisor := range []uint32{2, 3, 5, 7, 11, 13, 17} {
		if size%divisor == 0 {
			return false
		}
	}
	return true
}

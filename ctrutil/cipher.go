package ctrutil

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/connesc/cipherio"
	"go4.org/readerutil"
)

// NewCTRAt returns a CTR stream for the key stream starting at counter, already advanced by
// offset bytes. Offsets do not need to be aligned to the block size.
func NewCTRAt(block cipher.Block, counter []byte, offset int64) cipher.Stream {
	blockSize := int64(block.BlockSize())

	iv := make([]byte, blockSize)
	copy(iv, counter)
	addCounter(iv, uint64(offset/blockSize))

	stream := cipher.NewCTR(block, iv)
	if skip := offset % blockSize; skip > 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}
	return stream
}

// CryptCTRAt decrypts (or encrypts) buf in place, as if it was located at offset in a stream
// whose first byte uses counter.
//
// Empty buffers are left alone: the cipher is never invoked with zero-length input.
func CryptCTRAt(block cipher.Block, counter []byte, offset int64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	NewCTRAt(block, counter, offset).XORKeyStream(buf, buf)
}

// addCounter adds n to the big-endian integer stored in iv.
func addCounter(iv []byte, n uint64) {
	carry := n
	for i := len(iv) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(iv[i]) + carry&0xff
		iv[i] = byte(sum)
		carry = carry>>8 + sum>>8
	}
}

// CBCReaderAt decrypts an AES-CBC encrypted source with random access.
//
// The source size must be a multiple of the block size.
type CBCReaderAt struct {
	src   readerutil.SizeReaderAt
	block cipher.Block
	iv    []byte
}

var _ readerutil.SizeReaderAt = &CBCReaderAt{}

// NewCBCReaderAt wraps src so that reads return plaintext.
func NewCBCReaderAt(src readerutil.SizeReaderAt, block cipher.Block, iv []byte) *CBCReaderAt {
	return &CBCReaderAt{
		src:   src,
		block: block,
		iv:    append([]byte(nil), iv...),
	}
}

// Size of the plaintext, identical to the size of the ciphertext.
func (r *CBCReaderAt) Size() int64 {
	return r.src.Size()
}

func (r *CBCReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("ctrutil: negative offset")
	}
	size := r.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	blockSize := int64(r.block.BlockSize())
	start := off - off%blockSize
	end := off + int64(len(p))
	if end > size {
		end = size
	}

	iv := r.iv
	if start > 0 {
		// In CBC mode, the previous ciphertext block is the IV of the next one.
		iv = make([]byte, blockSize)
		if _, err := r.src.ReadAt(iv, start-blockSize); err != nil {
			return 0, fmt.Errorf("ctrutil: failed to read CBC chaining block: %w", err)
		}
	}

	section := io.NewSectionReader(r.src, start, AlignUp(end, blockSize)-start)
	plain := cipherio.NewBlockReader(section, cipher.NewCBCDecrypter(r.block, iv))

	if _, err := io.CopyN(io.Discard, plain, off-start); err != nil {
		return 0, fmt.Errorf("ctrutil: failed to skip to offset %d: %w", off, err)
	}

	n, err := io.ReadFull(plain, p[:end-off])
	if err != nil {
		return n, fmt.Errorf("ctrutil: failed to decrypt: %w", err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

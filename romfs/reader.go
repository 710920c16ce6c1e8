package romfs

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

const (
	// PageSize is the granularity of the plaintext cache.
	PageSize = 1 << 13
	// CachePages is the number of pages kept in the plaintext cache.
	CachePages = 128
)

// Reader is a read-only RomFS image.
type Reader interface {
	readerutil.SizeReaderAt
	// CacheReady reports whether a read of length bytes at off would be served without
	// decrypting anything.
	CacheReady(off, length int64) bool
}

// Cipher describes the AES-CTR encryption of an archive.
type Cipher struct {
	Key     keys.Key
	Counter [16]byte
	// Offset of the first archive byte in the key stream.
	Offset int64
}

// DirectReader serves an archive stored in a byte range of src, decrypting it on the fly.
//
// Reads up to PageSize bytes go through an LRU cache of decrypted pages. Larger reads are
// decrypted directly.
type DirectReader struct {
	src    readerutil.SizeReaderAt
	offset int64
	size   int64

	block        cipher.Block
	counter      []byte
	cryptoOffset int64

	mu    sync.Mutex
	cache *lru.Cache[int64, []byte]

	log zerolog.Logger
}

var _ Reader = &DirectReader{}

// NewDirectReader exposes size bytes of src starting at offset. A nil cipher means the
// archive is stored in plain text.
func NewDirectReader(src readerutil.SizeReaderAt, offset, size int64, c *Cipher, log *zerolog.Logger) (*DirectReader, error) {
	if offset < 0 || size < 0 || offset+size > src.Size() {
		return nil, fmt.Errorf("romfs: %w: archive [0x%x, 0x%x) exceeds source size 0x%x", ctrutil.ErrInvalidFormat, offset, offset+size, src.Size())
	}

	cache, err := lru.New[int64, []byte](CachePages)
	if err != nil {
		return nil, fmt.Errorf("romfs: failed to create page cache: %w", err)
	}

	r := &DirectReader{
		src:    src,
		offset: offset,
		size:   size,
		cache:  cache,
		log:    zerolog.Nop(),
	}
	if log != nil {
		r.log = *log
	}

	if c != nil {
		r.block, err = aes.NewCipher(c.Key[:])
		if err != nil {
			return nil, fmt.Errorf("romfs: failed to create cipher: %w", err)
		}
		r.counter = append([]byte(nil), c.Counter[:]...)
		r.cryptoOffset = c.Offset
	}
	return r, nil
}

// Size of the archive.
func (r *DirectReader) Size() int64 {
	return r.size
}

func (r *DirectReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("romfs: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= r.size {
		return 0, io.EOF
	}

	n := int64(len(p))
	if n > r.size-off {
		n = r.size - off
	}

	if n > PageSize {
		if err := r.readRaw(p[:n], off); err != nil {
			return 0, err
		}
	} else {
		for done := int64(0); done < n; {
			pos := off + done
			pageOffset := pos &^ (PageSize - 1)
			page, err := r.page(pageOffset)
			if err != nil {
				return int(done), err
			}
			done += int64(copy(p[done:n], page[pos-pageOffset:]))
		}
	}

	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// CacheReady is exact: it returns true only if every page touched by the read is cached, and
// always false for reads that bypass the cache.
func (r *DirectReader) CacheReady(off, length int64) bool {
	if length > PageSize {
		return false
	}
	if off < 0 {
		return false
	}
	if length <= 0 || off >= r.size {
		return true
	}
	if length > r.size-off {
		length = r.size - off
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for pageOffset := off &^ (PageSize - 1); pageOffset < off+length; pageOffset += PageSize {
		if !r.cache.Contains(pageOffset) {
			return false
		}
	}
	return true
}

func (r *DirectReader) page(pageOffset int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if page, ok := r.cache.Get(pageOffset); ok {
		r.log.Trace().Int64("page", pageOffset).Msg("romfs: page cache hit")
		return page, nil
	}

	length := r.size - pageOffset
	if length > PageSize {
		length = PageSize
	}
	page := make([]byte, length)
	if err := r.readRaw(page, pageOffset); err != nil {
		return nil, err
	}

	r.log.Trace().Int64("page", pageOffset).Msg("romfs: page cache miss")
	r.cache.Add(pageOffset, page)
	return page, nil
}

func (r *DirectReader) readRaw(buf []byte, off int64) error {
	n, err := r.src.ReadAt(buf, r.offset+off)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("romfs: failed to read [0x%x, 0x%x): %w", off, off+int64(len(buf)), err)
	}
	if r.block != nil {
		ctrutil.CryptCTRAt(r.block, r.counter, r.cryptoOffset+off, buf)
	}
	return nil
}

package ctrfs

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"go4.org/readerutil"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

const (
	ciaHeaderSize    = 0x2020
	ciaAlignment     = 0x40
	ciaMetaCoreSize  = 0x400
	ciaMetaSize      = ciaMetaCoreSize + smdhSize
	ciaMaxDependency = 0x30
)

// CIA is an installable archive: certificates, ticket, TMD, contents and an optional meta
// block.
type CIA struct {
	Type        uint16
	Version     uint16
	CertsSize   uint32
	TicketSize  uint32
	TMDSize     uint32
	MetaSize    uint32
	ContentSize uint64

	Certificates []*Certificate `json:"-"`
	Ticket       *Ticket
	TMD          *TMD
	Meta         *CIAMeta `json:",omitempty"`

	src            readerutil.SizeReaderAt
	present        []byte
	certsOffset    int64
	ticketOffset   int64
	tmdOffset      int64
	contentOffset  int64
	metaOffset     int64
	contentOffsets []int64
}

// CIAMeta is the optional block following the contents.
type CIAMeta struct {
	Dependencies []Hex64
	CoreVersion  uint32
	SMDH         *SMDH `json:",omitempty"`
}

// OpenCIA parses the header, certificates, ticket, TMD and meta block of a CIA file.
// Contents are only read when opened.
func OpenCIA(src readerutil.SizeReaderAt) (*CIA, error) {
	header, err := readAt(src, 0, ciaHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("cia: failed to read header: %w", err)
	}

	headerSize := binary.LittleEndian.Uint32(header)
	if headerSize != ciaHeaderSize {
		return nil, fmt.Errorf("cia: %w: header length must be %d, got %d", ctrutil.ErrInvalidFormat, ciaHeaderSize, headerSize)
	}

	c := &CIA{
		Type:        binary.LittleEndian.Uint16(header[0x4:]),
		Version:     binary.LittleEndian.Uint16(header[0x6:]),
		CertsSize:   binary.LittleEndian.Uint32(header[0x8:]),
		TicketSize:  binary.LittleEndian.Uint32(header[0xc:]),
		TMDSize:     binary.LittleEndian.Uint32(header[0x10:]),
		MetaSize:    binary.LittleEndian.Uint32(header[0x14:]),
		ContentSize: binary.LittleEndian.Uint64(header[0x18:]),
		src:         src,
		present:     header[0x20:ciaHeaderSize],
	}
	c.certsOffset = ctrutil.AlignUp(int64(headerSize), ciaAlignment)
	c.ticketOffset = ctrutil.AlignUp(c.certsOffset+int64(c.CertsSize), ciaAlignment)
	c.tmdOffset = ctrutil.AlignUp(c.ticketOffset+int64(c.TicketSize), ciaAlignment)
	c.contentOffset = ctrutil.AlignUp(c.tmdOffset+int64(c.TMDSize), ciaAlignment)
	if c.ContentSize > math.MaxInt64/2 {
		return nil, fmt.Errorf("cia: %w: content section size 0x%x is out of range", ctrutil.ErrInvalidFormat, c.ContentSize)
	}
	c.metaOffset = ctrutil.AlignUp(c.contentOffset+int64(c.ContentSize), ciaAlignment)

	certs, err := readAt(src, c.certsOffset, int(c.CertsSize))
	if err != nil {
		return nil, fmt.Errorf("cia: failed to read certificates: %w", err)
	}
	if c.Certificates, err = ParseCertificates(certs); err != nil {
		return nil, fmt.Errorf("cia: %w", err)
	}

	if c.Ticket, err = ParseTicket(io.NewSectionReader(src, c.ticketOffset, int64(c.TicketSize))); err != nil {
		return nil, fmt.Errorf("cia: %w", err)
	}
	if c.Ticket.CertsTrailer {
		return nil, fmt.Errorf("cia: %w: unexpected certs trailer in ticket", ctrutil.ErrInvalidFormat)
	}

	if c.TMD, err = ParseTMD(io.NewSectionReader(src, c.tmdOffset, int64(c.TMDSize))); err != nil {
		return nil, fmt.Errorf("cia: %w", err)
	}
	if c.TMD.CertsTrailer {
		return nil, fmt.Errorf("cia: %w: unexpected certs trailer in TMD", ctrutil.ErrInvalidFormat)
	}

	offset, remaining := c.contentOffset, c.ContentSize
	for _, content := range c.TMD.Contents {
		c.contentOffsets = append(c.contentOffsets, offset)
		if !c.ContentPresent(uint16(content.Index)) {
			continue
		}
		if content.Size > remaining {
			return nil, fmt.Errorf("cia: %w: contents exceed the content section", ctrutil.ErrInvalidFormat)
		}
		remaining -= content.Size
		offset += int64(content.Size)
	}

	if c.MetaSize > 0 {
		if c.Meta, err = c.readMeta(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *CIA) readMeta() (*CIAMeta, error) {
	if c.MetaSize < ciaMetaCoreSize {
		return nil, fmt.Errorf("cia: %w: meta block is too small: %d", ctrutil.ErrInvalidFormat, c.MetaSize)
	}
	raw, err := readAt(c.src, c.metaOffset, ciaMetaCoreSize)
	if err != nil {
		return nil, fmt.Errorf("cia: failed to read meta: %w", err)
	}

	meta := &CIAMeta{
		CoreVersion: binary.LittleEndian.Uint32(raw[0x300:]),
	}
	for i := 0; i < ciaMaxDependency; i++ {
		if dependency := binary.LittleEndian.Uint64(raw[i*8:]); dependency != 0 {
			meta.Dependencies = append(meta.Dependencies, Hex64(dependency))
		}
	}

	if c.MetaSize >= ciaMetaSize {
		meta.SMDH, err = ParseSMDH(io.NewSectionReader(c.src, c.metaOffset+ciaMetaCoreSize, smdhSize))
		if err != nil {
			return nil, fmt.Errorf("cia: meta: %w", err)
		}
	}
	return meta, nil
}

// ContentPresent reports whether the content with the given index is stored in the archive.
func (c *CIA) ContentPresent(index uint16) bool {
	return c.present[index>>3]&(0x80>>(index&7)) != 0
}

func (c *CIA) content(position int) (*TMDContent, error) {
	if position < 0 || position >= len(c.TMD.Contents) {
		return nil, fmt.Errorf("cia: content %d: %w", position, ctrutil.ErrNotPresent)
	}
	content := &c.TMD.Contents[position]
	if !c.ContentPresent(uint16(content.Index)) {
		return nil, fmt.Errorf("cia: content %d (index %s): %w", position, content.Index, ctrutil.ErrNotPresent)
	}
	return content, nil
}

// ContentOffset returns the byte offset of the content at the given position of the TMD.
func (c *CIA) ContentOffset(position int) (int64, error) {
	if _, err := c.content(position); err != nil {
		return 0, err
	}
	return c.contentOffsets[position], nil
}

// ContentLength returns the size in bytes of the content at the given position of the TMD.
func (c *CIA) ContentLength(position int) (int64, error) {
	content, err := c.content(position)
	if err != nil {
		return 0, err
	}
	return int64(content.Size), nil
}

// OpenContent returns a reader over the content at the given position of the TMD, decrypted
// with the title key when the content is encrypted.
func (c *CIA) OpenContent(position int, store keys.CommonKeyStore) (readerutil.SizeReaderAt, error) {
	content, err := c.content(position)
	if err != nil {
		return nil, err
	}
	offset, size := c.contentOffsets[position], int64(content.Size)
	if offset+size > c.src.Size() {
		return nil, fmt.Errorf("cia: content %d: %w: crosses the end of the file", position, ctrutil.ErrInvalidFormat)
	}
	section := io.NewSectionReader(c.src, offset, size)
	if !content.Encrypted() {
		return section, nil
	}

	if size%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cia: content %d: %w: encrypted size is not a multiple of the block size", position, ctrutil.ErrInvalidFormat)
	}
	titleKey, err := c.Ticket.TitleKey(store)
	if err != nil {
		return nil, fmt.Errorf("cia: content %d: %w", position, err)
	}
	block, err := aes.NewCipher(titleKey[:])
	if err != nil {
		return nil, fmt.Errorf("cia: failed to initialize content decryption: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint16(iv, uint16(content.Index))
	return ctrutil.NewCBCReaderAt(section, block, iv), nil
}

// OpenNCCH opens the content at the given position of the TMD as a NCCH container. The key
// store of opts also provides the common keys when it implements keys.CommonKeyStore.
func (c *CIA) OpenNCCH(position int, opts *Options) (*NCCH, error) {
	var common keys.CommonKeyStore
	if opts != nil {
		common, _ = opts.Keys.(keys.CommonKeyStore)
	}
	content, err := c.OpenContent(position, common)
	if err != nil {
		return nil, err
	}
	return OpenNCCH(content, 0, opts)
}

// Verify checks the signatures of the ticket and the TMD, and that they describe the same
// title.
func (c *CIA) Verify() error {
	if err := c.Ticket.Verify(c.Certificates); err != nil {
		return fmt.Errorf("cia: %w", err)
	}
	if err := c.TMD.Verify(c.Certificates); err != nil {
		return fmt.Errorf("cia: %w", err)
	}
	if c.Ticket.TitleID != c.TMD.TitleID {
		return fmt.Errorf("cia: ticket title id %s does not match TMD title id %s", c.Ticket.TitleID, c.TMD.TitleID)
	}
	return nil
}

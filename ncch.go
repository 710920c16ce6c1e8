package ctrfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

// MediaUnit is the block size in which NCSD and NCCH headers express offsets and sizes.
const MediaUnit = 0x200

const (
	ncchHeaderSize    = 0x200
	exheaderSize      = 0x800
	romfsIVFCSize     = 0x1000
	ncsdPartitionSize = 8
)

// NCCH content types, from the content type bits of the header flags.
const (
	ContentTypeApplication  = 0
	ContentTypeSystemUpdate = 1
	ContentTypeManual       = 2
	ContentTypeChild        = 3
	ContentTypeTrial        = 4
)

// NCCHHeader is the plain header of a NCCH container.
type NCCHHeader struct {
	Signature        Hex `json:"-"`
	ContentSize      uint32
	PartitionID      Hex64
	MakerCode        string
	Version          uint16
	SeedCheck        Hex32
	ProgramID        Hex64
	ProductCode      string
	ExHeaderSize     uint32
	SecondaryKeySlot Hex8
	Platform         uint8
	IsData           bool
	IsExecutable     bool
	ContentType      uint8
	ContentUnitSize  uint8
	FixedKey         bool
	NoRomFS          bool
	NoCrypto         bool
	SeedCrypto       bool

	// Regions, in media units relative to the start of the container.
	PlainRegion Region
	LogoRegion  Region
	ExeFS       Region
	RomFS       Region
}

// Region of a container, in media units.
type Region struct {
	Offset uint32
	Size   uint32
}

// ByteOffset of the region from the start of its container.
func (r Region) ByteOffset() int64 {
	return int64(r.Offset) * MediaUnit
}

// ByteSize of the region.
func (r Region) ByteSize() int64 {
	return int64(r.Size) * MediaUnit
}

func parseNCCHHeader(header []byte) (*NCCHHeader, error) {
	if string(header[0x100:0x104]) != "NCCH" {
		return nil, fmt.Errorf("ncch: %w: magic not found", ctrutil.ErrInvalidFormat)
	}

	region := func(offset int) Region {
		return Region{
			Offset: binary.LittleEndian.Uint32(header[offset:]),
			Size:   binary.LittleEndian.Uint32(header[offset+4:]),
		}
	}

	flags := header[0x188:0x190]
	return &NCCHHeader{
		Signature:        append(Hex(nil), header[:0x100]...),
		ContentSize:      binary.LittleEndian.Uint32(header[0x104:]),
		PartitionID:      Hex64(binary.LittleEndian.Uint64(header[0x108:])),
		MakerCode:        cString(header[0x110:0x112]),
		Version:          binary.LittleEndian.Uint16(header[0x112:]),
		SeedCheck:        Hex32(binary.LittleEndian.Uint32(header[0x114:])),
		ProgramID:        Hex64(binary.LittleEndian.Uint64(header[0x118:])),
		ProductCode:      cString(header[0x150:0x160]),
		ExHeaderSize:     binary.LittleEndian.Uint32(header[0x180:]),
		SecondaryKeySlot: Hex8(flags[3]),
		Platform:         flags[4],
		IsData:           flags[5]&0x1 != 0,
		IsExecutable:     flags[5]&0x2 != 0,
		ContentType:      flags[5] >> 2 & 0x7,
		ContentUnitSize:  flags[6],
		FixedKey:         flags[7]&0x1 != 0,
		NoRomFS:          flags[7]&0x2 != 0,
		NoCrypto:         flags[7]&0x4 != 0,
		SeedCrypto:       flags[7]&0x20 != 0,
		PlainRegion:      region(0x190),
		LogoRegion:       region(0x198),
		ExeFS:            region(0x1a0),
		RomFS:            region(0x1b0),
	}, nil
}

// NCSD is the header of a card image, which holds up to 8 NCCH partitions.
type NCSD struct {
	MediaSize  uint32
	MediaID    Hex64
	Partitions [ncsdPartitionSize]Region
}

func parseNCSD(header []byte) *NCSD {
	ncsd := &NCSD{
		MediaSize: binary.LittleEndian.Uint32(header[0x104:]),
		MediaID:   Hex64(binary.LittleEndian.Uint64(header[0x108:])),
	}
	for i := range ncsd.Partitions {
		ncsd.Partitions[i] = Region{
			Offset: binary.LittleEndian.Uint32(header[0x120+i*8:]),
			Size:   binary.LittleEndian.Uint32(header[0x124+i*8:]),
		}
	}
	return ncsd
}

// Options of OpenNCCH. The zero value opens plain containers only.
type Options struct {
	// Keys used to decrypt encrypted containers. Containers flagged as not encrypted never
	// touch it.
	Keys keys.Store
	// Partition selected when the source turns out to be a NCSD card image.
	Partition int
	// Fs holds the container file, its overrides and the mods directory.
	Fs afero.Fs
	// Path of the container in Fs. When set, "<Path>.romfs" replaces the RomFS and
	// "<Path>.exefsdir/" holds replacements for ExeFS sections.
	Path string
	// ModsDir holds per-title mods in Fs, under "<ModsDir>/<program id>/".
	ModsDir string
	Logger  *zerolog.Logger
}

// NCCH is an opened NCCH container.
type NCCH struct {
	Header *NCCHHeader
	// NCSD is the card image holding the container, if any.
	NCSD *NCSD

	src     readerutil.SizeReaderAt
	offset  int64
	opts    Options
	log     zerolog.Logger
	closers []io.Closer
	tainted bool

	cryptoOnce sync.Once
	crypto     *ncchCrypto
	cryptoErr  error

	exheaderOnce sync.Once
	exheader     *ExHeader
	exheaderErr  error

	exefsOnce sync.Once
	exefs     *ExeFS
	exefsErr  error
}

// OpenNCCH parses the container whose header is at offset in src. If src holds a NCSD card
// image at that offset, the partition selected in opts is opened instead.
//
// Only the header is parsed here: keys are derived on first use, so that the header of an
// encrypted container remains readable without them.
func OpenNCCH(src readerutil.SizeReaderAt, offset int64, opts *Options) (*NCCH, error) {
	n := &NCCH{src: src, log: zerolog.Nop()}
	if opts != nil {
		n.opts = *opts
	}
	if n.opts.Logger != nil {
		n.log = *n.opts.Logger
	}

	header, err := readAt(src, offset, ncchHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("ncch: failed to read header: %w", err)
	}

	if string(header[0x100:0x104]) == "NCSD" {
		n.NCSD = parseNCSD(header)
		if n.opts.Partition < 0 || n.opts.Partition >= ncsdPartitionSize {
			return nil, fmt.Errorf("ncsd: invalid partition %d", n.opts.Partition)
		}
		partition := n.NCSD.Partitions[n.opts.Partition]
		if partition.Size == 0 {
			return nil, fmt.Errorf("ncsd: partition %d: %w", n.opts.Partition, ctrutil.ErrNotPresent)
		}

		offset += partition.ByteOffset()
		n.log.Debug().Int("partition", n.opts.Partition).Int64("offset", offset).Msg("ncsd: opening partition")
		if header, err = readAt(src, offset, ncchHeaderSize); err != nil {
			return nil, fmt.Errorf("ncsd: failed to read partition %d: %w", n.opts.Partition, err)
		}
	}

	n.Header, err = parseNCCHHeader(header)
	if err != nil {
		return nil, err
	}
	n.offset = offset

	n.log.Debug().
		Stringer("program_id", n.Header.ProgramID).
		Str("product_code", n.Header.ProductCode).
		Uint16("version", n.Header.Version).
		Bool("no_crypto", n.Header.NoCrypto).
		Bool("fixed_key", n.Header.FixedKey).
		Bool("seed_crypto", n.Header.SeedCrypto).
		Msg("ncch: header loaded")

	n.detectOverrides()
	if !n.HasExeFS() && !n.HasRomFS() && !n.tainted {
		return nil, fmt.Errorf("ncch: %w: neither ExeFS nor RomFS", ctrutil.ErrNotPresent)
	}
	return n, nil
}

// OpenNCCHFile opens the container file at path in fsys. Overrides next to the file are enabled.
func OpenNCCHFile(fsys afero.Fs, path string, opts *Options) (*NCCH, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ncch: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ncch: %w", err)
	}

	fileOpts := Options{}
	if opts != nil {
		fileOpts = *opts
	}
	fileOpts.Fs = fsys
	fileOpts.Path = path

	n, err := OpenNCCH(io.NewSectionReader(file, 0, info.Size()), 0, &fileOpts)
	if err != nil {
		file.Close()
		return nil, err
	}
	n.closers = append(n.closers, file)
	return n, nil
}

// detectOverrides marks the container as tainted when files next to it replace some of its
// sections.
func (n *NCCH) detectOverrides() {
	if n.opts.Fs == nil || n.opts.Path == "" {
		return
	}
	if ok, _ := afero.Exists(n.opts.Fs, n.opts.Path+".romfs"); ok {
		n.tainted = true
	}
	if ok, _ := afero.DirExists(n.opts.Fs, n.opts.Path+".exefsdir"); ok {
		n.tainted = true
	}
	if n.tainted {
		n.log.Warn().Str("path", n.opts.Path).Msg("ncch: container is tainted, application behavior may not be as expected")
	}
}

// ProgramID of the container.
func (n *NCCH) ProgramID() uint64 {
	return uint64(n.Header.ProgramID)
}

// HasExeFS reports whether the container has an ExeFS.
func (n *NCCH) HasExeFS() bool {
	return n.Header.ExeFS.Size > 0
}

// HasRomFS reports whether the container has a RomFS.
func (n *NCCH) HasRomFS() bool {
	return n.Header.RomFS.Offset != 0 && n.Header.RomFS.Size != 0
}

// HasExHeader reports whether the container has an extended header.
func (n *NCCH) HasExHeader() bool {
	return n.Header.ExHeaderSize != 0
}

// Tainted reports whether some sections are replaced by override files.
func (n *NCCH) Tainted() bool {
	return n.tainted
}

// Close the files opened by the container. Readers returned by the container must not be
// used afterwards.
func (n *NCCH) Close() error {
	var err error
	for _, closer := range n.closers {
		err = multierr.Append(err, closer.Close())
	}
	n.closers = nil
	return err
}

// readRegion reads and decrypts size bytes at offset (relative to the container), using the
// given key and the counter of region with the stream positioned at cryptoOffset.
func (n *NCCH) readRegion(offset int64, size int, sel keySelector, region int, cryptoOffset int64) ([]byte, error) {
	buf, err := readAt(n.src, n.offset+offset, size)
	if err != nil {
		return nil, err
	}
	if err := n.decrypt(buf, sel, region, cryptoOffset); err != nil {
		return nil, err
	}
	return buf, nil
}

package ctrfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"

	"github.com/connesc/ctrfs/ctrutil"
)

const (
	exefsHeaderSize  = 0x200
	exefsMaxSections = 8
)

// ExeFSSection is an entry of the ExeFS header. Offset is relative to the end of the header.
type ExeFSSection struct {
	Name   string
	Offset uint32
	Size   uint32
	Hash   Hex
}

// ExeFS is the header of an ExeFS.
type ExeFS struct {
	Sections []ExeFSSection
}

// ParseExeFSHeader parses a decrypted ExeFS header. Sections must fit in size bytes, the size
// of the whole ExeFS.
func ParseExeFSHeader(header []byte, size int64) (*ExeFS, error) {
	if len(header) < exefsHeaderSize {
		return nil, fmt.Errorf("exefs: %w: header is truncated", ctrutil.ErrInvalidFormat)
	}

	exefs := &ExeFS{}
	for i := 0; i < exefsMaxSections; i++ {
		entry := header[i*0x10 : (i+1)*0x10]
		name := string(bytes.TrimRight(entry[:0x8], "\x00"))
		if name == "" {
			continue
		}

		section := ExeFSSection{
			Name:   name,
			Offset: binary.LittleEndian.Uint32(entry[0x8:]),
			Size:   binary.LittleEndian.Uint32(entry[0xc:]),
			// Hashes are stored in reverse order.
			Hash: append(Hex(nil), header[0xc0+(exefsMaxSections-1-i)*0x20:0xc0+(exefsMaxSections-i)*0x20]...),
		}
		if exefsHeaderSize+int64(section.Offset)+int64(section.Size) > size {
			return nil, fmt.Errorf("exefs: %w: section %s crosses the end of the ExeFS", ctrutil.ErrInvalidFormat, name)
		}
		exefs.Sections = append(exefs.Sections, section)
	}
	return exefs, nil
}

// Section looks up a section by name.
func (e *ExeFS) Section(name string) (ExeFSSection, bool) {
	for _, section := range e.Sections {
		if section.Name == name {
			return section, true
		}
	}
	return ExeFSSection{}, false
}

// Override file names of the ExeFS sections, as found in "<path>.exefsdir/" and in the exefs
// directory of mods.
var sectionOverrides = map[string]string{
	".code":  "code.bin",
	"icon":   "icon.bin",
	"banner": "banner.bnr",
	"logo":   "logo.bcma.lz",
}

// ExeFS returns the decrypted ExeFS header of the container.
func (n *NCCH) ExeFS() (*ExeFS, error) {
	n.exefsOnce.Do(func() {
		n.exefs, n.exefsErr = n.loadExeFS()
	})
	return n.exefs, n.exefsErr
}

func (n *NCCH) loadExeFS() (*ExeFS, error) {
	if !n.HasExeFS() {
		return nil, fmt.Errorf("exefs: %w", ctrutil.ErrNotPresent)
	}

	region := n.Header.ExeFS
	if n.offset+region.ByteOffset()+region.ByteSize() > n.src.Size() {
		return nil, fmt.Errorf("exefs: %w: region crosses the end of the container", ctrutil.ErrInvalidFormat)
	}

	header, err := n.readRegion(region.ByteOffset(), exefsHeaderSize, primaryKey, exefsCounterTag, 0)
	if err != nil {
		return nil, fmt.Errorf("exefs: failed to read header: %w", err)
	}
	exefs, err := ParseExeFSHeader(header, region.ByteSize())
	if err != nil {
		return nil, err
	}

	for i, section := range exefs.Sections {
		n.log.Debug().
			Int("index", i).
			Str("name", section.Name).
			Uint32("offset", section.Offset).
			Uint32("size", section.Size).
			Msg("exefs: section")
	}
	return exefs, nil
}

// LoadSection returns the content of an ExeFS section, such as ".code", "icon", "banner" or
// "logo". Override files take precedence over the ExeFS. The .code section is decompressed
// when the extended header says so.
func (n *NCCH) LoadSection(name string) ([]byte, error) {
	if data, err := n.loadSectionOverride(name); err == nil || !errors.Is(err, ctrutil.ErrNotPresent) {
		return data, err
	}

	exefs, err := n.ExeFS()
	if errors.Is(err, ctrutil.ErrNotPresent) && name == "logo" {
		return n.loadLogoRegion()
	}
	if err != nil {
		return nil, err
	}

	section, ok := exefs.Section(name)
	if !ok {
		if name == "logo" {
			return n.loadLogoRegion()
		}
		return nil, fmt.Errorf("exefs: section %s: %w", name, ctrutil.ErrNotPresent)
	}

	sel := primaryKey
	if name == ".code" {
		sel = secondaryKey
	}
	offset := exefsHeaderSize + int64(section.Offset)
	data, err := n.readRegion(n.Header.ExeFS.ByteOffset()+offset, int(section.Size), sel, exefsCounterTag, offset)
	if err != nil {
		return nil, fmt.Errorf("exefs: failed to read section %s: %w", name, err)
	}
	if !bytes.Equal(sha256Hash(data), section.Hash) {
		return nil, fmt.Errorf("exefs: %w: hash mismatch for section %s", ctrutil.ErrInvalidFormat, name)
	}

	if name == ".code" && n.HasExHeader() {
		exheader, err := n.ExHeader()
		if err != nil {
			return nil, err
		}
		if exheader.CodeSet.Compressed {
			if data, err = LZSSDecompress(data); err != nil {
				return nil, fmt.Errorf("exefs: .code: %w", err)
			}
		}
	}
	return data, nil
}

// loadLogoRegion reads the plain logo region used by recent containers instead of an ExeFS
// section.
func (n *NCCH) loadLogoRegion() ([]byte, error) {
	region := n.Header.LogoRegion
	if region.Size == 0 {
		return nil, fmt.Errorf("exefs: section logo: %w", ctrutil.ErrNotPresent)
	}
	data, err := readAt(n.src, n.offset+region.ByteOffset(), int(region.ByteSize()))
	if err != nil {
		return nil, fmt.Errorf("ncch: failed to read logo region: %w", err)
	}
	return data, nil
}

// loadSectionOverride looks for a replacement of the section next to the container, then in
// the exefs directory of the mods of the title.
func (n *NCCH) loadSectionOverride(name string) ([]byte, error) {
	file, ok := sectionOverrides[name]
	if !ok || n.opts.Fs == nil {
		return nil, ctrutil.ErrNotPresent
	}

	var candidates []string
	if n.opts.Path != "" {
		candidates = append(candidates, n.opts.Path+".exefsdir/"+file)
	}
	if dir := n.modsDir(); dir != "" {
		candidates = append(candidates, path.Join(dir, "exefs", file))
	}

	for _, candidate := range candidates {
		data, err := afero.ReadFile(n.opts.Fs, candidate)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("exefs: failed to read override %s: %w", candidate, err)
		}
		n.log.Warn().Str("path", candidate).Str("section", name).Msg("exefs: file overriding built-in ExeFS section")
		return data, nil
	}
	return nil, ctrutil.ErrNotPresent
}

// modsDir returns the mods directory of the title, or an empty string if mods are disabled.
func (n *NCCH) modsDir() string {
	if n.opts.Fs == nil || n.opts.ModsDir == "" {
		return ""
	}
	return path.Join(n.opts.ModsDir, n.Header.ProgramID.String())
}

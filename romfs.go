package ctrfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/layeredfs"
	"github.com/connesc/ctrfs/patch"
	"github.com/connesc/ctrfs/romfs"
)

// OpenRomFS returns a reader over the RomFS of the container, starting after its IVFC header.
//
// A "<path>.romfs" file next to the container replaces the embedded RomFS. With allowOverlay,
// the "romfs" and "romfs_ext" directories of the mods of the title are applied on top of the
// embedded RomFS.
func (n *NCCH) OpenRomFS(allowOverlay bool) (romfs.Reader, error) {
	if reader, err := n.openRomFSOverride(); err == nil || !errors.Is(err, ctrutil.ErrNotPresent) {
		return reader, err
	}

	if !n.HasRomFS() {
		n.log.Debug().Msg("ncch: RomFS requested from a container without RomFS")
		return nil, fmt.Errorf("ncch: romfs: %w", ctrutil.ErrNotPresent)
	}

	region := n.Header.RomFS
	if region.ByteSize() <= romfsIVFCSize {
		return nil, fmt.Errorf("ncch: romfs: %w: region is smaller than its IVFC header", ctrutil.ErrInvalidFormat)
	}
	offset := n.offset + region.ByteOffset() + romfsIVFCSize
	size := region.ByteSize() - romfsIVFCSize
	if offset+size > n.src.Size() {
		return nil, fmt.Errorf("ncch: romfs: %w: region crosses the end of the container", ctrutil.ErrInvalidFormat)
	}

	crypto, err := n.loadCrypto()
	if err != nil {
		return nil, err
	}
	var c *romfs.Cipher
	if crypto.encrypted {
		c = &romfs.Cipher{
			Key:     crypto.secondaryKey,
			Counter: crypto.romfsCounter,
			Offset:  romfsIVFCSize,
		}
	}

	n.log.Debug().Int64("offset", offset).Int64("size", size).Msg("ncch: opening RomFS")
	direct, err := romfs.NewDirectReader(n.src, offset, size, c, &n.log)
	if err != nil {
		return nil, err
	}
	if !allowOverlay {
		return direct, nil
	}

	dir := n.modsDir()
	if dir == "" {
		return direct, nil
	}
	replaceDir := path.Join(dir, "romfs")
	patchDir := path.Join(dir, "romfs_ext")
	if !dirExists(n.opts.Fs, replaceDir) && !dirExists(n.opts.Fs, patchDir) {
		return direct, nil
	}

	n.log.Info().Str("mods", dir).Msg("ncch: using LayeredFS")
	layered, err := layeredfs.New(direct, n.opts.Fs, replaceDir, patchDir, &n.log)
	if err != nil {
		return nil, err
	}
	return layered, nil
}

func dirExists(fsys afero.Fs, dir string) bool {
	ok, err := afero.DirExists(fsys, dir)
	return err == nil && ok
}

// openRomFSOverride opens "<path>.romfs", a plain RomFS without IVFC header.
func (n *NCCH) openRomFSOverride() (romfs.Reader, error) {
	if n.opts.Fs == nil || n.opts.Path == "" {
		return nil, ctrutil.ErrNotPresent
	}
	overridePath := n.opts.Path + ".romfs"
	file, err := n.opts.Fs.Open(overridePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ctrutil.ErrNotPresent
	}
	if err != nil {
		return nil, fmt.Errorf("ncch: failed to open RomFS override: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ncch: failed to open RomFS override: %w", err)
	}

	reader, err := romfs.NewDirectReader(io.NewSectionReader(file, 0, info.Size()), 0, info.Size(), nil, &n.log)
	if err != nil {
		file.Close()
		return nil, err
	}
	n.closers = append(n.closers, file)
	n.log.Warn().Str("path", overridePath).Msg("ncch: file overriding built-in RomFS")
	return reader, nil
}

// ApplyCodePatch applies "code.ips" or "code.bps", found next to the container in its
// exefsdir or in the mods of the title, to the decompressed .code section. ErrNotPresent is
// returned when there is no patch.
func (n *NCCH) ApplyCodePatch(code []byte) ([]byte, error) {
	if n.opts.Fs == nil {
		return nil, fmt.Errorf("ncch: code patch: %w", ctrutil.ErrNotPresent)
	}

	var dirs []string
	if dir := n.modsDir(); dir != "" {
		dirs = append(dirs, dir)
	}
	if n.opts.Path != "" {
		dirs = append(dirs, n.opts.Path+".exefsdir")
	}

	for _, dir := range dirs {
		for _, ext := range patch.Extensions() {
			patchPath := path.Join(dir, "code"+ext)
			raw, err := afero.ReadFile(n.opts.Fs, patchPath)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("ncch: failed to read code patch: %w", err)
			}

			apply, _ := patch.ForExtension(ext)
			patched, err := apply(raw, code)
			if err != nil {
				n.log.Error().Err(err).Str("path", patchPath).Msg("ncch: failed to apply code patch")
				return nil, fmt.Errorf("ncch: %s: %w", patchPath, err)
			}
			n.log.Info().Str("path", patchPath).Msg("ncch: applied code patch")
			return patched, nil
		}
	}
	return nil, fmt.Errorf("ncch: code patch: %w", ctrutil.ErrNotPresent)
}

// OpenLayeredRomFS is OpenRomFS, with the result always wrapped in a LayeredFS so that its
// tree can be walked.
func (n *NCCH) OpenLayeredRomFS(allowOverlay bool) (*layeredfs.LayeredFS, error) {
	reader, err := n.OpenRomFS(allowOverlay)
	if err != nil {
		return nil, err
	}
	if layered, ok := reader.(*layeredfs.LayeredFS); ok {
		return layered, nil
	}
	return layeredfs.New(reader, nil, "", "", &n.log)
}

// DumpRomFS extracts the RomFS of the container, mods included, under dir in target.
func (n *NCCH) DumpRomFS(target afero.Fs, dir string) error {
	layered, err := n.OpenLayeredRomFS(true)
	if err != nil {
		return err
	}
	return layered.Extract(target, dir)
}

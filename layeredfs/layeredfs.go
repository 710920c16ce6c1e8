// Package layeredfs serves a RomFS archive with user overlays applied on top of it.
//
// The archive tree is parsed once, the replace layer then the patch layer are applied, and a
// complete RomFS image is rebuilt: the metadata (header, hash tables and metadata tables) is
// held in memory, while file data is read on demand from the original archive, the overlay
// filesystem, or patched buffers.
package layeredfs

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/romfs"
)

// LayeredFS is an immutable, rebuilt RomFS image. It is safe for concurrent reads.
type LayeredFS struct {
	*tree
	*image

	src      readerutil.SizeReaderAt
	overlay  afero.Fs
	log      zerolog.Logger
	warnings error
}

var _ romfs.Reader = &LayeredFS{}

func newLayeredFS(t *tree, src readerutil.SizeReaderAt, overlay afero.Fs, log *zerolog.Logger) *LayeredFS {
	fs := &LayeredFS{
		tree:    t,
		src:     src,
		overlay: overlay,
		log:     zerolog.Nop(),
	}
	if log != nil {
		fs.log = *log
	}
	return fs
}

// New parses the archive in src and applies the overlays found in replaceDir (files replacing
// or adding archive files) and patchDir (stub and patch files), both in overlay.
//
// Missing overlay directories are ignored. Problems with individual overlay entries are
// logged and reported by Warnings; only a malformed archive fails.
func New(src readerutil.SizeReaderAt, overlay afero.Fs, replaceDir, patchDir string, log *zerolog.Logger) (*LayeredFS, error) {
	t, err := parseTree(src, src.Size())
	if err != nil {
		return nil, err
	}

	fs := newLayeredFS(t, src, overlay, log)
	if layerExists(overlay, replaceDir) {
		fs.applyReplacements(0, replaceDir)
	}
	if layerExists(overlay, patchDir) {
		fs.applyPatches(0, patchDir)
	}
	fs.image = fs.rebuild()

	fs.log.Debug().
		Int("directories", len(fs.dirs)).
		Int("files", len(fs.files)).
		Int64("size", fs.Size()).
		Msg("layeredfs: archive rebuilt")
	return fs, nil
}

// Build creates an archive from the content of dir in fsys.
func Build(fsys afero.Fs, dir string, log *zerolog.Logger) (*LayeredFS, error) {
	if !layerExists(fsys, dir) {
		return nil, fmt.Errorf("layeredfs: %s is not a directory", dir)
	}

	fs := newLayeredFS(newTree(), nil, fsys, log)
	fs.applyReplacements(0, dir)
	fs.image = fs.rebuild()
	return fs, nil
}

// Warnings returns the overlay problems met while building the archive, as *OverlayWarning
// values.
func (fs *LayeredFS) Warnings() []error {
	return multierr.Errors(fs.warnings)
}

func (fs *LayeredFS) warn(path string, err error) {
	fs.log.Warn().Err(err).Str("path", path).Msg("layeredfs: skipped overlay entry")
	fs.warnings = multierr.Append(fs.warnings, &OverlayWarning{Path: path, Err: err})
}

// Metadata returns a copy of the rebuilt header and tables, which precede the data region.
func (fs *LayeredFS) Metadata() []byte {
	return append([]byte(nil), fs.metadata...)
}

// Size of the rebuilt archive.
func (fs *LayeredFS) Size() int64 {
	return fs.image.size()
}

func (fs *LayeredFS) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("layeredfs: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}
	size := fs.Size()
	if off >= size {
		return 0, io.EOF
	}

	n := int64(len(p))
	if n > size-off {
		n = size - off
	}

	var done int64
	if off < int64(len(fs.metadata)) {
		done = int64(copy(p[:n], fs.metadata[off:]))
	}

	for done < n {
		pos := off + done - int64(len(fs.metadata))
		entry, ok := fs.entryAt(pos)
		if !ok {
			return int(done), fmt.Errorf("layeredfs: no file data at 0x%x", pos)
		}

		f := &fs.files[entry.file]
		relative := pos - entry.offset
		length := f.relocation.size()

		chunk := ctrutil.AlignUp(length, romfs.DataAlignment) - relative
		if chunk > n-done {
			chunk = n - done
		}
		var filled int64
		if relative < length {
			filled = length - relative
			if filled > chunk {
				filled = chunk
			}
			if err := fs.readFile(f, p[done:done+filled], relative); err != nil {
				return int(done), fmt.Errorf("layeredfs: %s: %w", f.path, err)
			}
		}
		for i := done + filled; i < done+chunk; i++ {
			p[i] = 0
		}
		done += chunk
	}

	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// entryAt finds the file whose allocated data range contains pos.
func (fs *LayeredFS) entryAt(pos int64) (dataEntry, bool) {
	i := sort.Search(len(fs.entries), func(i int) bool {
		return fs.entries[i].offset > pos
	}) - 1
	if i < 0 {
		return dataEntry{}, false
	}
	return fs.entries[i], true
}

func (fs *LayeredFS) readFile(f *file, buf []byte, off int64) error {
	switch r := f.relocation.(type) {
	case originalData:
		n, err := fs.src.ReadAt(buf, r.offset+off)
		if n < len(buf) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		return nil

	case replacedData:
		replacement, err := fs.overlay.Open(r.path)
		if err != nil {
			return err
		}
		defer replacement.Close()

		n, err := replacement.ReadAt(buf, off)
		if n < len(buf) {
			if err != nil && err != io.EOF {
				return err
			}
			fs.log.Error().Str("path", r.path).Msg("layeredfs: replacement file shrank since the archive was built")
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		}
		return nil

	case patchedData:
		copy(buf, r.data[off:])
		return nil

	default:
		return fmt.Errorf("no data for relocation %T", r)
	}
}

// CacheReady reports whether a read can be served without decrypting anything: metadata and
// patched files are always ready, original data is ready when the underlying reader says so.
// Replacement files always need a read.
func (fs *LayeredFS) CacheReady(off, length int64) bool {
	if off < 0 {
		return false
	}
	end := off + length
	if end > fs.Size() {
		end = fs.Size()
	}

	pos := off
	if pos < int64(len(fs.metadata)) {
		pos = int64(len(fs.metadata))
	}
	for pos < end {
		relative := pos - int64(len(fs.metadata))
		entry, ok := fs.entryAt(relative)
		if !ok {
			return false
		}
		f := &fs.files[entry.file]
		entryEnd := entry.offset + ctrutil.AlignUp(f.relocation.size(), romfs.DataAlignment)

		switch r := f.relocation.(type) {
		case patchedData:
		case originalData:
			reader, ok := fs.src.(interface{ CacheReady(off, length int64) bool })
			if !ok {
				return false
			}
			start := relative - entry.offset
			stop := entryEnd - entry.offset
			if stop > r.length {
				stop = r.length
			}
			if limit := end - int64(len(fs.metadata)) - entry.offset; stop > limit {
				stop = limit
			}
			if start < stop && !reader.CacheReady(r.offset+start, stop-start) {
				return false
			}
		default:
			return false
		}
		pos = int64(len(fs.metadata)) + entryEnd
	}
	return true
}

func normalizePath(path string) string {
	return "/" + strings.TrimPrefix(filepath.ToSlash(path), "/")
}

// OpenFile returns a reader over the content of the file at path, as served by the rebuilt
// archive.
func (fs *LayeredFS) OpenFile(path string) (*io.SectionReader, error) {
	path = normalizePath(path)
	index, ok := fs.lookupFile(path)
	if !ok {
		return nil, fmt.Errorf("layeredfs: %s: %w", path, ctrutil.ErrNotPresent)
	}
	start := int64(len(fs.metadata)) + fs.dataOffsets[index]
	return io.NewSectionReader(fs, start, fs.files[index].relocation.size()), nil
}

// WalkFunc is called for every entry of the archive. Directory paths end with a slash.
type WalkFunc func(path string, isDir bool, size int64) error

// Walk visits the root directory, then for each directory its files and its subdirectories,
// depth first. Removed files are skipped.
func (fs *LayeredFS) Walk(fn WalkFunc) error {
	return fs.walk(0, fn)
}

func (fs *LayeredFS) walk(index int, fn WalkFunc) error {
	d := &fs.dirs[index]
	if err := fn(d.path, true, 0); err != nil {
		return err
	}
	for _, f := range d.files {
		if fs.files[f].removed() {
			continue
		}
		if err := fn(fs.files[f].path, false, fs.files[f].relocation.size()); err != nil {
			return err
		}
	}
	for _, child := range d.dirs {
		if err := fs.walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Extract writes the layered tree under dir in target.
func (fs *LayeredFS) Extract(target afero.Fs, dir string) error {
	return fs.Walk(func(path string, isDir bool, size int64) error {
		dest := filepath.Join(dir, filepath.FromSlash(path))
		if isDir {
			return target.MkdirAll(dest, 0o755)
		}

		src, err := fs.OpenFile(path)
		if err != nil {
			return err
		}
		fs.log.Info().Str("path", path).Str("dest", dest).Msg("layeredfs: extracting")
		return writeFile(target, dest, src)
	})
}

func writeFile(target afero.Fs, dest string, src io.Reader) (err error) {
	out, err := target.Create(dest)
	if err != nil {
		return fmt.Errorf("layeredfs: failed to create %s: %w", dest, err)
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("layeredfs: failed to write %s: %w", dest, err)
	}
	return nil
}

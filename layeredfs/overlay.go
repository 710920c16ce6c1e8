package layeredfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/patch"
)

const stubExtension = ".stub"

// OverlayWarning reports an overlay entry that was skipped.
type OverlayWarning struct {
	// Path of the entry in the overlay filesystem.
	Path string
	Err  error
}

func (w *OverlayWarning) Error() string {
	return fmt.Sprintf("layeredfs: %s: %v", w.Path, w.Err)
}

func (w *OverlayWarning) Unwrap() error {
	return w.Err
}

var (
	errTargetNotFound = errors.New("target file not found")
	errConflict       = errors.New("conflicts with an archive entry of another kind")
	errUnknownPatch   = errors.New("unknown patch format")
)

// readOverlayDir lists a directory of the overlay, files first then directories, each sorted
// by name. Symbolic links are resolved.
func (fs *LayeredFS) readOverlayDir(dir string) (files, dirs []os.FileInfo, err error) {
	infos, err := afero.ReadDir(fs.overlay, dir)
	if err != nil {
		return nil, nil, err
	}
	for _, info := range infos {
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := fs.overlay.Stat(filepath.Join(dir, info.Name()))
			if err != nil {
				fs.warn(filepath.Join(dir, info.Name()), err)
				continue
			}
			info = resolved
		}
		if info.IsDir() {
			dirs = append(dirs, info)
		} else {
			files = append(files, info)
		}
	}
	byName := func(infos []os.FileInfo) func(i, j int) bool {
		return func(i, j int) bool { return infos[i].Name() < infos[j].Name() }
	}
	sort.Slice(files, byName(files))
	sort.Slice(dirs, byName(dirs))
	return files, dirs, nil
}

func layerExists(overlay afero.Fs, dir string) bool {
	if overlay == nil || dir == "" {
		return false
	}
	ok, err := afero.DirExists(overlay, dir)
	return err == nil && ok
}

// applyReplacements mirrors hostDir onto the directory at index, creating missing entries.
func (fs *LayeredFS) applyReplacements(index int, hostDir string) {
	files, dirs, err := fs.readOverlayDir(hostDir)
	if err != nil {
		fs.warn(hostDir, err)
		return
	}

	for _, info := range files {
		hostPath := filepath.Join(hostDir, info.Name())
		virtualPath := fs.dirs[index].path + info.Name()

		if _, ok := fs.dirPaths[virtualPath+"/"]; ok {
			fs.warn(hostPath, errConflict)
			continue
		}

		replacement := replacedData{path: hostPath, length: info.Size()}
		if fileIndex, ok := fs.filePaths[virtualPath]; ok {
			fs.files[fileIndex].relocation = replacement
			fs.log.Info().Str("path", virtualPath).Msg("layeredfs: replacement file in use")
			continue
		}

		name, err := ctrutil.EncodeUTF16LE(info.Name())
		if err != nil {
			fs.warn(hostPath, err)
			continue
		}
		fs.addFile(index, name, virtualPath, replacement)
		fs.log.Info().Str("path", virtualPath).Msg("layeredfs: created file")
	}

	for _, info := range dirs {
		hostPath := filepath.Join(hostDir, info.Name())
		virtualPath := fs.dirs[index].path + info.Name() + "/"

		if _, ok := fs.filePaths[strings.TrimSuffix(virtualPath, "/")]; ok {
			fs.warn(hostPath, errConflict)
			continue
		}

		childIndex, ok := fs.dirPaths[virtualPath]
		if !ok {
			name, err := ctrutil.EncodeUTF16LE(info.Name())
			if err != nil {
				fs.warn(hostPath, err)
				continue
			}
			childIndex = fs.addDirectory(index, name, virtualPath)
			fs.log.Info().Str("path", virtualPath).Msg("layeredfs: created directory")
		}
		fs.applyReplacements(childIndex, hostPath)
	}
}

// applyPatches walks hostDir for stub and patch files targeting the directory at index.
func (fs *LayeredFS) applyPatches(index int, hostDir string) {
	files, dirs, err := fs.readOverlayDir(hostDir)
	if err != nil {
		fs.warn(hostDir, err)
		return
	}

	for _, info := range files {
		hostPath := filepath.Join(hostDir, info.Name())
		ext := path.Ext(info.Name())
		targetPath := fs.dirs[index].path + strings.TrimSuffix(info.Name(), ext)

		if strings.EqualFold(ext, stubExtension) {
			fileIndex, ok := fs.lookupFile(targetPath)
			if !ok {
				fs.warn(hostPath, errTargetNotFound)
				continue
			}
			fs.files[fileIndex].relocation = removedData{}
			fs.log.Info().Str("path", targetPath).Msg("layeredfs: removed file")
			continue
		}

		apply, ok := patch.ForExtension(ext)
		if !ok {
			fs.warn(hostPath, errUnknownPatch)
			continue
		}
		fileIndex, ok := fs.lookupFile(targetPath)
		if !ok {
			fs.warn(hostPath, errTargetNotFound)
			continue
		}

		raw, err := afero.ReadFile(fs.overlay, hostPath)
		if err != nil {
			fs.warn(hostPath, err)
			continue
		}
		current, err := fs.fileContent(fileIndex)
		if err != nil {
			fs.warn(hostPath, err)
			continue
		}
		patched, err := apply(raw, current)
		if err != nil {
			fs.log.Error().Err(err).Str("path", targetPath).Msg("layeredfs: failed to patch file")
			fs.warnings = multierr.Append(fs.warnings, &OverlayWarning{Path: hostPath, Err: err})
			continue
		}

		fs.files[fileIndex].relocation = patchedData{data: patched}
		fs.log.Info().Str("path", targetPath).Msg("layeredfs: patched file")
	}

	for _, info := range dirs {
		hostPath := filepath.Join(hostDir, info.Name())
		childIndex, ok := fs.dirPaths[fs.dirs[index].path+info.Name()+"/"]
		if !ok {
			fs.warn(hostPath, errTargetNotFound)
			continue
		}
		fs.applyPatches(childIndex, hostPath)
	}
}

// fileContent loads the current content of a file, whatever its relocation.
func (fs *LayeredFS) fileContent(index int) ([]byte, error) {
	switch r := fs.files[index].relocation.(type) {
	case originalData:
		buf := make([]byte, r.length)
		n, err := fs.src.ReadAt(buf, r.offset)
		if n < len(buf) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf, nil
	case replacedData:
		return afero.ReadFile(fs.overlay, r.path)
	case patchedData:
		return append([]byte(nil), r.data...), nil
	default:
		return nil, errTargetNotFound
	}
}

package ctrfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/connesc/ctrfs/ctrutil"
)

// ContentLocator maps the contents of installed titles to container files.
type ContentLocator interface {
	ContentPath(titleID uint64, index uint16) (string, error)
}

// TitleLayout locates contents in the "title/<high>/<low>/content/<id>.app" layout of the SD
// card and the NAND, where ids come from the TMD of the title.
type TitleLayout struct {
	Root string
	TMD  *TMD
}

var _ ContentLocator = &TitleLayout{}

// ContentDir returns the directory holding the contents of a title.
func (l *TitleLayout) ContentDir(titleID uint64) string {
	return path.Join(l.Root, "title", fmt.Sprintf("%08x", titleID>>32), fmt.Sprintf("%08x", uint32(titleID)), "content")
}

func (l *TitleLayout) ContentPath(titleID uint64, index uint16) (string, error) {
	if l.TMD == nil || uint64(l.TMD.TitleID) != titleID {
		return "", fmt.Errorf("title %016X: no TMD: %w", titleID, ctrutil.ErrNotPresent)
	}
	for _, content := range l.TMD.Contents {
		if uint16(content.Index) == index {
			return path.Join(l.ContentDir(titleID), fmt.Sprintf("%08x.app", uint32(content.ID))), nil
		}
	}
	return "", fmt.Errorf("title %016X: content index %d: %w", titleID, index, ctrutil.ErrNotPresent)
}

// LoadTitleLayout reads the TMD of an installed title. When several TMDs are present, as
// during an update, the one with the lowest id is used.
func LoadTitleLayout(fsys afero.Fs, root string, titleID uint64) (*TitleLayout, error) {
	layout := &TitleLayout{Root: root}
	dir := layout.ContentDir(titleID)

	entries, err := afero.ReadDir(fsys, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("title %016X: %w", titleID, ctrutil.ErrNotPresent)
	}
	if err != nil {
		return nil, fmt.Errorf("title %016X: %w", titleID, err)
	}

	best := ""
	var bestID uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".tmd") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".tmd"), 16, 32)
		if err != nil {
			continue
		}
		if best == "" || id < bestID {
			best, bestID = name, id
		}
	}
	if best == "" {
		return nil, fmt.Errorf("title %016X: TMD: %w", titleID, ctrutil.ErrNotPresent)
	}

	file, err := fsys.Open(path.Join(dir, best))
	if err != nil {
		return nil, fmt.Errorf("title %016X: %w", titleID, err)
	}
	defer file.Close()

	if layout.TMD, err = ParseTMD(file); err != nil {
		return nil, err
	}
	return layout, nil
}

// OpenBootContent opens the boot content of the title described by tmd.
func OpenBootContent(fsys afero.Fs, locator ContentLocator, tmd *TMD, opts *Options) (*NCCH, error) {
	boot, err := tmd.BootContent()
	if err != nil {
		return nil, err
	}
	contentPath, err := locator.ContentPath(uint64(tmd.TitleID), uint16(boot.Index))
	if err != nil {
		return nil, err
	}
	return OpenNCCHFile(fsys, contentPath, opts)
}

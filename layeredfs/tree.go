package layeredfs

import (
	"fmt"
	"io"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/romfs"
)

// relocation tells where the content of a file comes from.
type relocation interface {
	size() int64
}

// originalData is read from the underlying archive.
type originalData struct {
	offset int64
	length int64
}

// replacedData is read from a file of the overlay filesystem.
type replacedData struct {
	path   string
	length int64
}

// patchedData is held in memory.
type patchedData struct {
	data []byte
}

// removedData is excluded from the rebuilt archive.
type removedData struct{}

func (r originalData) size() int64 { return r.length }
func (r replacedData) size() int64 { return r.length }
func (r patchedData) size() int64  { return int64(len(r.data)) }
func (r removedData) size() int64  { return 0 }

type directory struct {
	name   []byte // UTF-16LE
	path   string // with a trailing slash, "/" for the root
	parent int
	files  []int
	dirs   []int
}

type file struct {
	name       []byte // UTF-16LE
	path       string
	parent     int
	relocation relocation
}

func (f *file) removed() bool {
	_, ok := f.relocation.(removedData)
	return ok
}

// tree is an arena of directories and files. The root directory is at index 0 and is its own
// parent.
type tree struct {
	dirs      []directory
	files     []file
	dirPaths  map[string]int
	filePaths map[string]int
}

func newTree() *tree {
	return &tree{
		dirs:      []directory{{path: "/"}},
		dirPaths:  map[string]int{"/": 0},
		filePaths: make(map[string]int),
	}
}

func (t *tree) addDirectory(parent int, name []byte, path string) int {
	index := len(t.dirs)
	t.dirs = append(t.dirs, directory{name: name, path: path, parent: parent})
	t.dirs[parent].dirs = append(t.dirs[parent].dirs, index)
	t.dirPaths[path] = index
	return index
}

func (t *tree) addFile(parent int, name []byte, path string, r relocation) int {
	index := len(t.files)
	t.files = append(t.files, file{name: name, path: path, parent: parent, relocation: r})
	t.dirs[parent].files = append(t.dirs[parent].files, index)
	t.filePaths[path] = index
	return index
}

// lookupFile returns the index of a file that has not been removed.
func (t *tree) lookupFile(path string) (int, bool) {
	index, ok := t.filePaths[path]
	if !ok || t.files[index].removed() {
		return 0, false
	}
	return index, true
}

// maxDepth bounds the nesting of directories. The console limits paths to 256 characters, so
// deeper archives can only be crafted.
const maxDepth = 256

type parser struct {
	*tree
	src          io.ReaderAt
	srcSize      int64
	dataOffset   int64
	dirTable     []byte
	fileTable    []byte
	visitedDirs  map[uint32]bool
	visitedFiles map[uint32]bool
}

func parseTree(src io.ReaderAt, size int64) (*tree, error) {
	raw, err := readTable(src, romfs.Table{Length: romfs.HeaderSize})
	if err != nil {
		return nil, fmt.Errorf("layeredfs: failed to read header: %w", err)
	}
	header, err := romfs.ParseHeader(raw, size)
	if err != nil {
		return nil, fmt.Errorf("layeredfs: %w", err)
	}

	p := &parser{
		tree:         newTree(),
		src:          src,
		srcSize:      size,
		dataOffset:   int64(header.DataOffset),
		visitedDirs:  map[uint32]bool{0: true},
		visitedFiles: make(map[uint32]bool),
	}
	if p.dirTable, err = readTable(src, header.DirectoryMetadata); err != nil {
		return nil, fmt.Errorf("layeredfs: failed to read directory metadata: %w", err)
	}
	if p.fileTable, err = readTable(src, header.FileMetadata); err != nil {
		return nil, fmt.Errorf("layeredfs: failed to read file metadata: %w", err)
	}

	root, rootName, err := romfs.ParseDirectoryRecord(p.dirTable, 0)
	if err != nil {
		return nil, fmt.Errorf("layeredfs: root directory: %w", err)
	}
	p.dirs[0].name = append([]byte(nil), rootName...)
	if err := p.directory(0, root, 0); err != nil {
		return nil, fmt.Errorf("layeredfs: %w", err)
	}
	return p.tree, nil
}

func readTable(src io.ReaderAt, table romfs.Table) ([]byte, error) {
	buf := make([]byte, table.Length)
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := src.ReadAt(buf, int64(table.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

func (p *parser) directory(index int, record romfs.DirectoryRecord, depth int) error {
	for offset := record.File; offset != romfs.None; {
		if p.visitedFiles[offset] {
			return fmt.Errorf("%w: file record 0x%x is referenced twice", ctrutil.ErrInvalidFormat, offset)
		}
		p.visitedFiles[offset] = true

		child, name, err := romfs.ParseFileRecord(p.fileTable, offset)
		if err != nil {
			return err
		}
		decoded, err := decodeName(name)
		if err != nil {
			return fmt.Errorf("file record 0x%x: %w", offset, err)
		}
		path := p.dirs[index].path + decoded
		if _, ok := p.filePaths[path]; ok {
			return fmt.Errorf("%w: duplicate file %s", ctrutil.ErrInvalidFormat, path)
		}

		start := p.dataOffset + int64(child.DataOffset)
		if child.DataOffset > uint64(p.srcSize) || child.DataLength > uint64(p.srcSize) || start+int64(child.DataLength) > p.srcSize {
			return fmt.Errorf("%w: data of %s is out of bounds", ctrutil.ErrInvalidFormat, path)
		}

		p.addFile(index, append([]byte(nil), name...), path, originalData{offset: start, length: int64(child.DataLength)})
		offset = child.Sibling
	}

	if record.Child != romfs.None && depth >= maxDepth {
		return fmt.Errorf("%w: directories are nested deeper than %d levels", ctrutil.ErrInvalidFormat, maxDepth)
	}
	for offset := record.Child; offset != romfs.None; {
		if p.visitedDirs[offset] {
			return fmt.Errorf("%w: directory record 0x%x is referenced twice", ctrutil.ErrInvalidFormat, offset)
		}
		p.visitedDirs[offset] = true

		child, name, err := romfs.ParseDirectoryRecord(p.dirTable, offset)
		if err != nil {
			return err
		}
		decoded, err := decodeName(name)
		if err != nil {
			return fmt.Errorf("directory record 0x%x: %w", offset, err)
		}
		path := p.dirs[index].path + decoded + "/"
		if _, ok := p.dirPaths[path]; ok {
			return fmt.Errorf("%w: duplicate directory %s", ctrutil.ErrInvalidFormat, path)
		}

		childIndex := p.addDirectory(index, append([]byte(nil), name...), path)
		if err := p.directory(childIndex, child, depth+1); err != nil {
			return err
		}
		offset = child.Sibling
	}
	return nil
}

func decodeName(name []byte) (string, error) {
	decoded, err := ctrutil.DecodeUTF16LE(name)
	if err != nil {
		return "", err
	}
	if decoded == "" || decoded == "." || decoded == ".." {
		return "", fmt.Errorf("%w: invalid entry name %q", ctrutil.ErrInvalidFormat, decoded)
	}
	for _, c := range decoded {
		if c == '/' || c == 0 {
			return "", fmt.Errorf("%w: invalid entry name %q", ctrutil.ErrInvalidFormat, decoded)
		}
	}
	return decoded, nil
}

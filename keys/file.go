package keys

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FileStore is a Store loaded from an aes_keys.txt file and, optionally, a seeddb.bin file.
type FileStore struct {
	keyX      map[Slot]Key
	keyN      map[Slot]Key
	commonY   map[uint8]Key
	generator *Key
	seeds     map[uint64]Key
}

var _ Store = &FileStore{}
var _ CommonKeyStore = &FileStore{}

// NewFileStore returns an empty FileStore.
func NewFileStore() *FileStore {
	return &FileStore{
		keyX:    make(map[Slot]Key),
		keyN:    make(map[Slot]Key),
		commonY: make(map[uint8]Key),
		seeds:   make(map[uint64]Key),
	}
}

// LoadFile reads an aes_keys.txt file from fs.
func LoadFile(fs afero.Fs, path string) (*FileStore, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to open %s: %w", path, err)
	}
	defer file.Close()

	store := NewFileStore()
	if err := store.ParseKeys(file); err != nil {
		return nil, fmt.Errorf("keys: %s: %w", path, err)
	}
	return store, nil
}

// ParseKeys adds the keys found in an aes_keys.txt payload.
//
// Lines look like "slot0x2CKeyX=<hex>", "slot0x2CKeyN=<hex>", "generator=<hex>" or
// "common0=<hex>". Empty lines and lines starting with '#' are ignored.
func (s *FileStore) ParseKeys(input io.Reader) error {
	scanner := bufio.NewScanner(input)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("line %d: missing '='", lineNumber)
		}
		name = strings.TrimSpace(name)

		key, err := ParseKey(value)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNumber, err)
		}

		switch {
		case name == "generator":
			s.generator = &key
		case strings.HasPrefix(name, "common"):
			index, err := strconv.ParseUint(strings.TrimPrefix(name, "common"), 10, 8)
			if err != nil {
				return fmt.Errorf("line %d: invalid common key index %q", lineNumber, name)
			}
			s.commonY[uint8(index)] = key
		case strings.HasPrefix(name, "slot0x") && len(name) == len("slot0x00KeyX"):
			slot, err := strconv.ParseUint(name[len("slot0x"):len("slot0x00")], 16, 8)
			if err != nil {
				return fmt.Errorf("line %d: invalid key slot %q", lineNumber, name)
			}
			switch name[len("slot0x00"):] {
			case "KeyX":
				s.keyX[Slot(slot)] = key
			case "KeyY":
				// KeyYs always come from the containers themselves.
			case "KeyN":
				s.keyN[Slot(slot)] = key
			default:
				return fmt.Errorf("line %d: unknown key kind %q", lineNumber, name)
			}
		default:
			// Unknown entries (e.g. keys for other consoles) are tolerated.
		}
	}
	return scanner.Err()
}

// LoadSeedDB adds the seeds of a seeddb.bin file from fs.
func (s *FileStore) LoadSeedDB(fs afero.Fs, path string) error {
	file, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("keys: failed to open %s: %w", path, err)
	}
	defer file.Close()

	seeds, err := ParseSeedDB(file)
	if err != nil {
		return fmt.Errorf("keys: %s: %w", path, err)
	}
	for titleID, seed := range seeds {
		s.seeds[titleID] = seed
	}
	return nil
}

// ParseSeedDB parses a seeddb.bin payload: a 16-byte header holding the entry count, followed by
// 32-byte entries made of a title ID, a seed and padding.
func ParseSeedDB(input io.Reader) (map[uint64]Key, error) {
	header := make([]byte, 0x10)
	if _, err := io.ReadFull(input, header); err != nil {
		return nil, fmt.Errorf("seeddb: failed to read header: %w", err)
	}
	count := binary.LittleEndian.Uint32(header)

	seeds := make(map[uint64]Key)
	entry := make([]byte, 0x20)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(input, entry); err != nil {
			return nil, fmt.Errorf("seeddb: failed to read entry %d: %w", i, err)
		}
		var seed Key
		copy(seed[:], entry[0x8:0x18])
		seeds[binary.LittleEndian.Uint64(entry)] = seed
	}
	return seeds, nil
}

// AddSeed registers the seed of a title.
func (s *FileStore) AddSeed(titleID uint64, seed Key) {
	s.seeds[titleID] = seed
}

func (s *FileStore) NormalKey(titleID uint64, slot Slot, keyY Key) (Key, bool) {
	if x, ok := s.keyX[slot]; ok && s.generator != nil {
		return Scramble(x, keyY, *s.generator), true
	}
	key, ok := s.keyN[slot]
	return key, ok
}

func (s *FileStore) Seed(titleID uint64) (Key, bool) {
	seed, ok := s.seeds[titleID]
	return seed, ok
}

func (s *FileStore) CommonKey(index uint8) (Key, bool) {
	y, ok := s.commonY[index]
	if !ok {
		return Key{}, false
	}
	return s.NormalKey(0, SlotTicketCommon, y)
}

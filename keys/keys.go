// Package keys provides the key material lookups needed to decrypt 3DS containers.
//
// Containers never carry usable keys: they only carry a per-title KeyY that must be combined
// with a console-wide KeyX, held by a Store. This package defines the Store contract consumed by
// the container parsers, and a Store backed by the usual aes_keys.txt and seeddb.bin files.
package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

// Key is a 128-bit AES key, KeyX, KeyY or seed.
type Key [16]byte

func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// IsZero reports whether all bytes of the key are zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParseKey from its hexadecimal representation.
func ParseKey(s string) (Key, error) {
	var key Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("keys: invalid hexadecimal key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("keys: key must have %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Slot identifies one of the AES engine key slots.
type Slot uint8

// Key slots used by containers and tickets.
const (
	SlotNCCHSecure1  Slot = 0x2C
	SlotNCCHSecure2  Slot = 0x25
	SlotNCCHSecure3  Slot = 0x18
	SlotNCCHSecure4  Slot = 0x1B
	SlotTicketCommon Slot = 0x3D
)

func (s Slot) String() string {
	return fmt.Sprintf("0x%02X", uint8(s))
}

// Store resolves normal keys and seeds.
type Store interface {
	// NormalKey derives the key of the given slot for the given KeyY.
	NormalKey(titleID uint64, slot Slot, keyY Key) (Key, bool)
	// Seed of a title using seed crypto.
	Seed(titleID uint64) (Key, bool)
}

// CommonKeyStore resolves the common keys used to decrypt ticket title keys.
type CommonKeyStore interface {
	CommonKey(index uint8) (Key, bool)
}

// Scramble derives a normal key from KeyX, KeyY and the generator constant, like the 3DS
// hardware key scrambler: ROL128((ROL128(x, 2) ^ y) + c, 87).
func Scramble(x, y, c Key) Key {
	hi, lo := split(x)
	hi, lo = rol128(hi, lo, 2)

	yHi, yLo := split(y)
	hi, lo = hi^yHi, lo^yLo

	cHi, cLo := split(c)
	var carry uint64
	lo, carry = bits.Add64(lo, cLo, 0)
	hi, _ = bits.Add64(hi, cHi, carry)

	hi, lo = rol128(hi, lo, 87)
	return join(hi, lo)
}

func split(k Key) (uint64, uint64) {
	return binary.BigEndian.Uint64(k[:8]), binary.BigEndian.Uint64(k[8:])
}

func join(hi, lo uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[:8], hi)
	binary.BigEndian.PutUint64(k[8:], lo)
	return k
}

func rol128(hi, lo uint64, n uint) (uint64, uint64) {
	n %= 128
	if n >= 64 {
		hi, lo = lo, hi
		n -= 64
	}
	if n == 0 {
		return hi, lo
	}
	return hi<<n | lo>>(64-n), lo<<n | hi>>(64-n)
}

// MapStore is an in-memory Store holding ready-to-use normal keys.
type MapStore struct {
	Keys    map[Slot]Key
	Seeds   map[uint64]Key
	Commons map[uint8]Key
}

var _ Store = &MapStore{}
var _ CommonKeyStore = &MapStore{}

func (s *MapStore) NormalKey(titleID uint64, slot Slot, keyY Key) (Key, bool) {
	key, ok := s.Keys[slot]
	return key, ok
}

func (s *MapStore) Seed(titleID uint64) (Key, bool) {
	seed, ok := s.Seeds[titleID]
	return seed, ok
}

func (s *MapStore) CommonKey(index uint8) (Key, bool) {
	key, ok := s.Commons[index]
	return key, ok
}

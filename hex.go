package ctrfs

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Hex is a byte string printed in uppercase hexadecimal, such as hashes and signatures.
type Hex []byte

func (h Hex) String() string {
	return strings.ToUpper(hex.EncodeToString(h))
}

func (h Hex) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Fixed-width integers printed in hexadecimal, zero-padded to their size. JSON uses the same
// representation.
type (
	Hex8  uint8
	Hex16 uint16
	Hex32 uint32
	// Hex64 holds title, program and partition ids.
	Hex64 uint64
)

func (h Hex8) String() string  { return fmt.Sprintf("%02X", uint8(h)) }
func (h Hex16) String() string { return fmt.Sprintf("%04X", uint16(h)) }
func (h Hex32) String() string { return fmt.Sprintf("%08X", uint32(h)) }
func (h Hex64) String() string { return fmt.Sprintf("%016X", uint64(h)) }

func (h Hex8) MarshalText() ([]byte, error)  { return []byte(h.String()), nil }
func (h Hex16) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
func (h Hex32) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
func (h Hex64) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// ParseHex64 parses an id such as "0004000000123400", with an optional 0x prefix.
func ParseHex64(s string) (Hex64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, ErrInvalidFormat)
	}
	return Hex64(id), nil
}

func (h *Hex64) UnmarshalText(text []byte) error {
	id, err := ParseHex64(string(text))
	if err != nil {
		return err
	}
	*h = id
	return nil
}

package ctrfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

type keySelector int

const (
	// primaryKey decrypts the extended header, the ExeFS header and every section but .code.
	primaryKey keySelector = iota
	// secondaryKey decrypts the RomFS and the .code section.
	secondaryKey
)

// Counter tail bytes of the containers using partition-id based counters.
const (
	exheaderCounterTag = 1
	exefsCounterTag    = 2
	romfsCounterTag    = 3
)

// ncchCrypto is derived once per container and never changes afterwards.
type ncchCrypto struct {
	encrypted    bool
	primary      cipher.Block
	secondary    cipher.Block
	secondaryKey keys.Key

	exheaderCounter [16]byte
	exefsCounter    [16]byte
	romfsCounter    [16]byte
}

func (c *ncchCrypto) counter(region int) [16]byte {
	switch region {
	case exheaderCounterTag:
		return c.exheaderCounter
	case exefsCounterTag:
		return c.exefsCounter
	default:
		return c.romfsCounter
	}
}

func (c *ncchCrypto) block(sel keySelector) cipher.Block {
	if sel == secondaryKey {
		return c.secondary
	}
	return c.primary
}

// secondarySlot maps the secondary key slot field to the key slot used for the RomFS and .code.
func secondarySlot(field uint8) (keys.Slot, error) {
	switch field {
	case 0x00:
		return keys.SlotNCCHSecure1, nil
	case 0x01:
		return keys.SlotNCCHSecure2, nil
	case 0x0a:
		return keys.SlotNCCHSecure3, nil
	case 0x0b:
		return keys.SlotNCCHSecure4, nil
	default:
		return 0, fmt.Errorf("ncch: %w: unknown secondary key slot 0x%02x", ctrutil.ErrInvalidFormat, field)
	}
}

// counters derives the exheader, ExeFS and RomFS counters from the partition id. Version 1
// containers append the absolute offset of each region instead of a fixed tag.
func counters(h *NCCHHeader) (exheader, exefs, romfs [16]byte) {
	switch h.Version {
	case 1:
		for _, c := range []*[16]byte{&exheader, &exefs, &romfs} {
			binary.LittleEndian.PutUint64(c[:8], uint64(h.PartitionID))
		}
		binary.BigEndian.PutUint32(exheader[12:], ncchHeaderSize)
		binary.BigEndian.PutUint32(exefs[12:], uint32(h.ExeFS.ByteOffset()))
		binary.BigEndian.PutUint32(romfs[12:], uint32(h.RomFS.ByteOffset()))
	default:
		for _, c := range []*[16]byte{&exheader, &exefs, &romfs} {
			binary.BigEndian.PutUint64(c[:8], uint64(h.PartitionID))
		}
		exheader[8] = exheaderCounterTag
		exefs[8] = exefsCounterTag
		romfs[8] = romfsCounterTag
	}
	return
}

// loadCrypto derives the keys and counters of the container, at most once.
func (n *NCCH) loadCrypto() (*ncchCrypto, error) {
	n.cryptoOnce.Do(func() {
		n.crypto, n.cryptoErr = n.deriveCrypto()
		if n.cryptoErr != nil {
			n.log.Warn().Err(n.cryptoErr).Stringer("program_id", n.Header.ProgramID).Msg("ncch: encrypted content is unreadable")
		}
	})
	return n.crypto, n.cryptoErr
}

func (n *NCCH) deriveCrypto() (*ncchCrypto, error) {
	h := n.Header
	if h.NoCrypto {
		return &ncchCrypto{}, nil
	}

	c := &ncchCrypto{encrypted: true}
	c.exheaderCounter, c.exefsCounter, c.romfsCounter = counters(h)

	var primary, secondary keys.Key
	if !h.FixedKey {
		if n.opts.Keys == nil {
			return nil, fmt.Errorf("ncch: %w: no key store", ctrutil.ErrEncryptionUnavailable)
		}
		programID := uint64(h.ProgramID)

		var keyY keys.Key
		copy(keyY[:], h.Signature[:16])

		var ok bool
		primary, ok = n.opts.Keys.NormalKey(programID, keys.SlotNCCHSecure1, keyY)
		if !ok {
			return nil, fmt.Errorf("ncch: %w: missing key for slot %s", ctrutil.ErrEncryptionUnavailable, keys.SlotNCCHSecure1)
		}

		if h.SeedCrypto {
			seed, ok := n.opts.Keys.Seed(programID)
			if !ok {
				return nil, fmt.Errorf("ncch: %w: missing seed for %s", ctrutil.ErrEncryptionUnavailable, h.ProgramID)
			}
			var id [8]byte
			binary.LittleEndian.PutUint64(id[:], programID)
			check := binary.LittleEndian.Uint32(sha256Hash(seed[:], id[:]))
			if check != uint32(h.SeedCheck) {
				return nil, fmt.Errorf("ncch: %w: seed of %s does not match its verification hash", ctrutil.ErrEncryptionUnavailable, h.ProgramID)
			}
			copy(keyY[:], sha256Hash(keyY[:], seed[:]))
		}

		slot, err := secondarySlot(uint8(h.SecondaryKeySlot))
		if err != nil {
			return nil, err
		}
		secondary, ok = n.opts.Keys.NormalKey(programID, slot, keyY)
		if !ok {
			return nil, fmt.Errorf("ncch: %w: missing key for slot %s", ctrutil.ErrEncryptionUnavailable, slot)
		}
	}

	var err error
	if c.primary, err = aes.NewCipher(primary[:]); err != nil {
		return nil, fmt.Errorf("ncch: failed to initialize primary cipher: %w", err)
	}
	if c.secondary, err = aes.NewCipher(secondary[:]); err != nil {
		return nil, fmt.Errorf("ncch: failed to initialize secondary cipher: %w", err)
	}
	c.secondaryKey = secondary
	return c, nil
}

// decrypt buf in place, as if it was located at cryptoOffset in the stream of the region
// identified by its counter tag. Plain containers are left alone.
func (n *NCCH) decrypt(buf []byte, sel keySelector, region int, cryptoOffset int64) error {
	c, err := n.loadCrypto()
	if err != nil {
		return err
	}
	if !c.encrypted {
		return nil
	}
	counter := c.counter(region)
	ctrutil.CryptCTRAt(c.block(sel), counter[:], cryptoOffset, buf)
	return nil
}

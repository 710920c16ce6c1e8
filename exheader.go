package ctrfs

import (
	"encoding/binary"
	"fmt"

	"github.com/connesc/ctrfs/ctrutil"
)

// CodeSegment describes one of the text, read-only and data segments of the program.
type CodeSegment struct {
	Address  Hex32
	MaxPages uint32
	Size     uint32
}

// CodeSetInfo describes how to load the program.
type CodeSetInfo struct {
	Name       string
	Compressed bool
	SDApp      bool
	Remaster   uint16
	Text       CodeSegment
	StackSize  uint32
	RO         CodeSegment
	Data       CodeSegment
	BSSSize    uint32
}

// SystemInfo of the extended header.
type SystemInfo struct {
	SaveDataSize uint64
	JumpID       Hex64
}

// StorageInfo describes the save data and extdata the program may access.
type StorageInfo struct {
	ExtSaveDataID       Hex64
	SystemSaveDataIDs   [2]Hex32
	AccessibleUniqueIDs Hex64
	AccessInfo          Hex
	OtherAttributes     Hex8
}

// ExtendedAccess reports whether the program uses extended save data access, in which case
// ExtSaveDataID and AccessibleUniqueIDs are packed lists of 20-bit ids.
func (s *StorageInfo) ExtendedAccess() bool {
	return s.OtherAttributes>>1 != 0
}

// ARM11LocalCaps are the ARM11 local system capabilities.
type ARM11LocalCaps struct {
	ProgramID             Hex64
	CoreVersion           uint32
	N3DSMode              uint8
	IdealProcessor        uint8
	AffinityMask          uint8
	SystemMode            uint8
	Priority              uint8
	ResourceLimits        [16]uint16
	Storage               StorageInfo
	Services              []string
	ResourceLimitCategory uint8
}

// ExHeader is the extended header of an executable NCCH container.
type ExHeader struct {
	CodeSet        CodeSetInfo
	Dependencies   []Hex64
	SystemInfo     SystemInfo
	ARM11LocalCaps ARM11LocalCaps

	// KernelCaps are the raw ARM11 kernel capability descriptors.
	KernelCaps [28]Hex32

	// ARM9AccessControl holds the raw ARM9 descriptors followed by the descriptor version.
	ARM9AccessControl Hex
}

// ParseExHeader parses a decrypted extended header.
func ParseExHeader(raw []byte) (*ExHeader, error) {
	if len(raw) < exheaderSize {
		return nil, fmt.Errorf("exheader: %w: expected 0x%x bytes, got 0x%x", ctrutil.ErrInvalidFormat, exheaderSize, len(raw))
	}

	segment := func(offset int) CodeSegment {
		return CodeSegment{
			Address:  Hex32(binary.LittleEndian.Uint32(raw[offset:])),
			MaxPages: binary.LittleEndian.Uint32(raw[offset+4:]),
			Size:     binary.LittleEndian.Uint32(raw[offset+8:]),
		}
	}

	e := &ExHeader{
		CodeSet: CodeSetInfo{
			Name:       cString(raw[:0x8]),
			Compressed: raw[0xd]&0x1 != 0,
			SDApp:      raw[0xd]&0x2 != 0,
			Remaster:   binary.LittleEndian.Uint16(raw[0xe:]),
			Text:       segment(0x10),
			StackSize:  binary.LittleEndian.Uint32(raw[0x1c:]),
			RO:         segment(0x20),
			Data:       segment(0x30),
			BSSSize:    binary.LittleEndian.Uint32(raw[0x3c:]),
		},
		SystemInfo: SystemInfo{
			SaveDataSize: binary.LittleEndian.Uint64(raw[0x1c0:]),
			JumpID:       Hex64(binary.LittleEndian.Uint64(raw[0x1c8:])),
		},
		ARM9AccessControl: append(Hex(nil), raw[0x3f0:0x400]...),
	}

	for i := 0; i < 0x30; i++ {
		if id := binary.LittleEndian.Uint64(raw[0x40+i*8:]); id != 0 {
			e.Dependencies = append(e.Dependencies, Hex64(id))
		}
	}

	caps := raw[0x200:0x370]
	local := &e.ARM11LocalCaps
	local.ProgramID = Hex64(binary.LittleEndian.Uint64(caps))
	local.CoreVersion = binary.LittleEndian.Uint32(caps[0x8:])
	local.N3DSMode = caps[0xd]
	local.IdealProcessor = caps[0xe] & 0x3
	local.AffinityMask = caps[0xe] >> 2 & 0x3
	local.SystemMode = caps[0xe] >> 4
	local.Priority = caps[0xf]
	for i := range local.ResourceLimits {
		local.ResourceLimits[i] = binary.LittleEndian.Uint16(caps[0x10+i*2:])
	}
	local.Storage = StorageInfo{
		ExtSaveDataID: Hex64(binary.LittleEndian.Uint64(caps[0x30:])),
		SystemSaveDataIDs: [2]Hex32{
			Hex32(binary.LittleEndian.Uint32(caps[0x38:])),
			Hex32(binary.LittleEndian.Uint32(caps[0x3c:])),
		},
		AccessibleUniqueIDs: Hex64(binary.LittleEndian.Uint64(caps[0x40:])),
		AccessInfo:          append(Hex(nil), caps[0x48:0x4f]...),
		OtherAttributes:     Hex8(caps[0x4f]),
	}
	for i := 0; i < 0x22; i++ {
		if name := cString(caps[0x50+i*8 : 0x58+i*8]); name != "" {
			local.Services = append(local.Services, name)
		}
	}
	local.ResourceLimitCategory = caps[0x16f]

	for i := range e.KernelCaps {
		e.KernelCaps[i] = Hex32(binary.LittleEndian.Uint32(raw[0x370+i*4:]))
	}
	return e, nil
}

// ExtdataID returns the id of the extdata of the program. With extended save data access,
// the first non-zero id of the six packed ones is used.
func (e *ExHeader) ExtdataID() (uint64, error) {
	storage := &e.ARM11LocalCaps.Storage
	if !storage.ExtendedAccess() {
		return uint64(storage.ExtSaveDataID), nil
	}

	for _, packed := range []uint64{uint64(storage.AccessibleUniqueIDs), uint64(storage.ExtSaveDataID)} {
		for _, shift := range []uint{40, 20, 0} {
			if id := packed >> shift & 0xfffff; id != 0 {
				return id, nil
			}
		}
	}
	return 0, fmt.Errorf("exheader: extdata id: %w", ctrutil.ErrNotPresent)
}

// ExHeader returns the decrypted extended header of the container.
//
// A jump id that does not match the program id means that the extended header is still
// encrypted, which is reported as ErrEncryptionUnavailable.
func (n *NCCH) ExHeader() (*ExHeader, error) {
	n.exheaderOnce.Do(func() {
		n.exheader, n.exheaderErr = n.loadExHeader()
	})
	return n.exheader, n.exheaderErr
}

func (n *NCCH) loadExHeader() (*ExHeader, error) {
	if !n.HasExHeader() {
		return nil, fmt.Errorf("exheader: %w", ctrutil.ErrNotPresent)
	}

	raw, err := n.readRegion(ncchHeaderSize, exheaderSize, primaryKey, exheaderCounterTag, 0)
	if err != nil {
		return nil, fmt.Errorf("exheader: %w", err)
	}
	e, err := ParseExHeader(raw)
	if err != nil {
		return nil, err
	}

	if e.SystemInfo.JumpID != n.Header.ProgramID {
		n.log.Error().
			Stringer("program_id", n.Header.ProgramID).
			Stringer("jump_id", e.SystemInfo.JumpID).
			Msg("exheader: program id mismatch, the container is probably encrypted")
		return nil, fmt.Errorf("exheader: %w: program id mismatch, the container is probably encrypted", ctrutil.ErrEncryptionUnavailable)
	}

	n.log.Debug().
		Str("name", e.CodeSet.Name).
		Bool("compressed", e.CodeSet.Compressed).
		Stringer("entry_point", e.CodeSet.Text.Address).
		Uint32("code_size", e.CodeSet.Text.Size).
		Uint32("stack_size", e.CodeSet.StackSize).
		Uint32("bss_size", e.CodeSet.BSSSize).
		Uint32("core_version", e.ARM11LocalCaps.CoreVersion).
		Uint8("priority", e.ARM11LocalCaps.Priority).
		Uint8("resource_limit_category", e.ARM11LocalCaps.ResourceLimitCategory).
		Uint8("system_mode", e.ARM11LocalCaps.SystemMode).
		Msg("exheader: loaded")
	return e, nil
}

// ExtdataID returns the extdata id of the program, from its extended header.
func (n *NCCH) ExtdataID() (uint64, error) {
	e, err := n.ExHeader()
	if err != nil {
		return 0, err
	}
	return e.ExtdataID()
}

package ctrfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/ctrutil"
)

const (
	tmdHeaderSize      = 0xc4
	tmdContentInfoSize = 0x24
	tmdContentInfos    = 64
	tmdBodySize        = tmdHeaderSize + tmdContentInfos*tmdContentInfoSize
	tmdChunkSize       = 0x30
)

// Content chunk type flags.
const (
	ContentEncrypted = 0x1
	ContentDisc      = 0x2
	ContentCFM       = 0x4
	ContentOptional  = 0x4000
	ContentShared    = 0x8000
)

// Positions of well-known contents in the chunk list.
const (
	BootContentIndex   = 0
	ManualContentIndex = 1
	DLPContentIndex    = 2
)

// TMD is the title metadata, listing the contents of a title.
type TMD struct {
	SignatureType Hex32
	Signature     Hex `json:"-"`
	Issuer        string
	Version       uint8
	SystemVersion Hex64
	TitleID       Hex64
	TitleType     Hex32
	GroupID       Hex16
	SaveDataSize  uint32
	AccessRights  Hex32
	TitleVersion  uint16
	Contents      []TMDContent
	CertsTrailer  bool

	Certificates []*Certificate `json:"-"`

	header       []byte
	contentInfos []byte
	chunks       []byte
}

type TMDContent struct {
	ID    Hex32
	Index Hex16
	Type  Hex16
	Size  uint64
	Hash  Hex
}

func (c *TMDContent) Encrypted() bool {
	return c.Type&ContentEncrypted != 0
}

func (c *TMDContent) Optional() bool {
	return c.Type&ContentOptional != 0
}

// ParseTMD parses a TMD, optionally followed by the certificates needed to verify it.
func ParseTMD(input io.Reader) (*TMD, error) {
	reader := ctrutil.NewReader(input)

	signatureType, signature, err := readSignature(reader)
	if err != nil {
		return nil, fmt.Errorf("tmd: %w", err)
	}

	body, err := reader.ReadFull(tmdBodySize)
	if err != nil {
		return nil, fmt.Errorf("tmd: failed to read body: %w", err)
	}
	header := body[:tmdHeaderSize]

	contentCount := binary.BigEndian.Uint16(header[0x9e:])
	chunks, err := reader.ReadFull(tmdChunkSize * int(contentCount))
	if err != nil {
		return nil, fmt.Errorf("tmd: failed to read content chunk records: %w", err)
	}

	tmd := &TMD{
		SignatureType: Hex32(signatureType),
		Signature:     signature,
		Issuer:        cString(header[:0x40]),
		Version:       header[0x40],
		SystemVersion: Hex64(binary.BigEndian.Uint64(header[0x44:])),
		TitleID:       Hex64(binary.BigEndian.Uint64(header[0x4c:])),
		TitleType:     Hex32(binary.BigEndian.Uint32(header[0x54:])),
		GroupID:       Hex16(binary.BigEndian.Uint16(header[0x58:])),
		SaveDataSize:  binary.LittleEndian.Uint32(header[0x5a:]),
		AccessRights:  Hex32(binary.BigEndian.Uint32(header[0x98:])),
		TitleVersion:  binary.BigEndian.Uint16(header[0x9c:]),
		Contents:      make([]TMDContent, 0, contentCount),
		header:        header,
		contentInfos:  body[tmdHeaderSize:],
		chunks:        chunks,
	}

	for i := 0; i < int(contentCount); i++ {
		chunk := chunks[i*tmdChunkSize : (i+1)*tmdChunkSize]
		tmd.Contents = append(tmd.Contents, TMDContent{
			ID:    Hex32(binary.BigEndian.Uint32(chunk)),
			Index: Hex16(binary.BigEndian.Uint16(chunk[0x4:])),
			Type:  Hex16(binary.BigEndian.Uint16(chunk[0x6:])),
			Size:  binary.BigEndian.Uint64(chunk[0x8:]),
			Hash:  chunk[0x10:0x30],
		})
	}

	tmd.Certificates, err = readCertsTrailer(reader)
	if err != nil {
		return nil, fmt.Errorf("tmd: %w", err)
	}
	tmd.CertsTrailer = len(tmd.Certificates) > 0
	return tmd, nil
}

// readSignature reads the signature type, the signature and its padding.
func readSignature(reader *ctrutil.Reader) (uint32, Hex, error) {
	raw, err := reader.ReadFull(4)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read signature type: %w", err)
	}
	signatureType := binary.BigEndian.Uint32(raw)

	size, err := signatureSize(signatureType)
	if err != nil {
		return 0, nil, err
	}
	signature, err := reader.ReadFull(size)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read signature: %w", err)
	}
	if err := reader.Align(0x40); err != nil {
		return 0, nil, fmt.Errorf("failed to read signature padding: %w", err)
	}
	return signatureType, signature, nil
}

// readCertsTrailer parses the certificates following a TMD or a ticket, if any.
func readCertsTrailer(reader *ctrutil.Reader) ([]*Certificate, error) {
	trailer, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read certs trailer: %w", err)
	}
	if len(trailer) == 0 {
		return nil, nil
	}
	return ParseCertificates(trailer)
}

// CheckHashes verifies the hash of the content info records, then the hash of the chunk
// records covered by each of them.
func (t *TMD) CheckHashes() error {
	if !bytes.Equal(sha256Hash(t.contentInfos), t.header[0xa4:0xc4]) {
		return fmt.Errorf("tmd: %w: invalid hash for content info records", ctrutil.ErrInvalidFormat)
	}

	chunkCount := len(t.chunks) / tmdChunkSize
	for i := 0; i < tmdContentInfos; i++ {
		info := t.contentInfos[i*tmdContentInfoSize : (i+1)*tmdContentInfoSize]
		first := int(binary.BigEndian.Uint16(info))
		count := int(binary.BigEndian.Uint16(info[0x2:]))
		if count == 0 {
			continue
		}
		if first+count > chunkCount {
			return fmt.Errorf("tmd: %w: content info %d covers chunks %d to %d, only %d exist", ctrutil.ErrInvalidFormat, i, first, first+count-1, chunkCount)
		}

		records := t.chunks[first*tmdChunkSize : (first+count)*tmdChunkSize]
		if !bytes.Equal(sha256Hash(records), info[0x4:0x24]) {
			return fmt.Errorf("tmd: %w: invalid hash for content chunk records %d to %d", ctrutil.ErrInvalidFormat, first, first+count-1)
		}
	}
	return nil
}

// Verify checks the signature of the TMD against certs, or against its own certs trailer when
// certs is empty.
func (t *TMD) Verify(certs []*Certificate) error {
	if len(certs) == 0 {
		certs = t.Certificates
	}
	if err := verifyChain(t.Issuer, uint32(t.SignatureType), t.Signature, t.header, certs); err != nil {
		return fmt.Errorf("tmd: %w", err)
	}
	return nil
}

func (t *TMD) content(position int) (*TMDContent, error) {
	if position >= len(t.Contents) {
		return nil, fmt.Errorf("tmd: content %d: %w", position, ctrutil.ErrNotPresent)
	}
	return &t.Contents[position], nil
}

// BootContent is the executable content of the title.
func (t *TMD) BootContent() (*TMDContent, error) {
	return t.content(BootContentIndex)
}

func (t *TMD) ManualContent() (*TMDContent, error) {
	return t.content(ManualContentIndex)
}

func (t *TMD) DLPContent() (*TMDContent, error) {
	return t.content(DLPContentIndex)
}

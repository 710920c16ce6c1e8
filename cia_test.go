package ctrfs_test

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/spf13/afero"
	. "gopkg.in/check.v1"

	"github.com/connesc/ctrfs"
	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

const testTitleID = testProgramID

var (
	testCommonKey = keys.Key{0xc0, 0x44, 0x04}
	testTitleKey  = keys.Key{0x71, 0x7e, 0x4e, 0x79}
)

type ciaSuite struct {
	key *rsa.PrivateKey

	certs  []byte
	ticket []byte
	tmd    []byte
	ncch   []byte
	smdh   []byte
}

var _ = Suite(&ciaSuite{})

func signed(c *C, key *rsa.PrivateKey, body []byte) []byte {
	hash := sha256.Sum256(body)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	c.Assert(err, IsNil)

	block := make([]byte, 0x140)
	binary.BigEndian.PutUint32(block, ctrfs.SignatureRSA2048SHA256)
	copy(block[4:], signature)
	return block
}

func buildCertificate(c *C, signer *rsa.PrivateKey, issuer, name string, key *rsa.PublicKey) []byte {
	body := make([]byte, 0x1c0)
	copy(body, issuer)
	binary.BigEndian.PutUint32(body[0x40:], ctrfs.KeyRSA2048)
	copy(body[0x44:], name)
	key.N.FillBytes(body[0x88:0x188])
	binary.BigEndian.PutUint32(body[0x188:], uint32(key.E))
	return append(signed(c, signer, body), body...)
}

func (s *ciaSuite) buildTicket(c *C) []byte {
	body := make([]byte, 0x210)
	copy(body, "Root-CA00000003-XS0000000c")

	block, err := aes.NewCipher(testCommonKey[:])
	c.Assert(err, IsNil)
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, testTitleID)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body[0x7f:0x8f], testTitleKey[:])

	binary.BigEndian.PutUint64(body[0x90:], 0x0123456789abcdef)
	binary.BigEndian.PutUint32(body[0x98:], 0xc0ffee)
	binary.BigEndian.PutUint64(body[0x9c:], testTitleID)
	body[0xb1] = 1
	return append(signed(c, s.key, body), body...)
}

type testChunk struct {
	id    uint32
	index uint16
	typ   uint16
	data  []byte
}

func (s *ciaSuite) buildTMD(c *C, chunks []testChunk) []byte {
	body := make([]byte, 0x9c4)
	copy(body, "Root-CA00000003-CP0000000b")
	body[0x40] = 1
	binary.BigEndian.PutUint64(body[0x4c:], testTitleID)
	binary.BigEndian.PutUint32(body[0x54:], 0x40)
	binary.BigEndian.PutUint16(body[0x9c:], 0x0410)
	binary.BigEndian.PutUint16(body[0x9e:], uint16(len(chunks)))

	var records []byte
	for _, chunk := range chunks {
		record := make([]byte, 0x30)
		binary.BigEndian.PutUint32(record, chunk.id)
		binary.BigEndian.PutUint16(record[0x4:], chunk.index)
		binary.BigEndian.PutUint16(record[0x6:], chunk.typ)
		binary.BigEndian.PutUint64(record[0x8:], uint64(len(chunk.data)))
		hash := sha256.Sum256(chunk.data)
		copy(record[0x10:], hash[:])
		records = append(records, record...)
	}

	infos := body[0xc4:]
	binary.BigEndian.PutUint16(infos[0x2:], uint16(len(chunks)))
	hash := sha256.Sum256(records)
	copy(infos[0x4:], hash[:])
	hash = sha256.Sum256(infos)
	copy(body[0xa4:], hash[:])

	tmd := append(signed(c, s.key, body[:0xc4]), body...)
	return append(tmd, records...)
}

func (s *ciaSuite) SetUpSuite(c *C) {
	var err error
	s.key, err = rsa.GenerateKey(rand.Reader, 2048)
	c.Assert(err, IsNil)

	s.certs = append(s.certs, buildCertificate(c, s.key, "Root", "CA00000003", &s.key.PublicKey)...)
	s.certs = append(s.certs, buildCertificate(c, s.key, "Root-CA00000003", "XS0000000c", &s.key.PublicKey)...)
	s.certs = append(s.certs, buildCertificate(c, s.key, "Root-CA00000003", "CP0000000b", &s.key.PublicKey)...)

	s.ncch = sampleNCCH().plain().build()
	s.smdh = buildSMDH(c, "CIA title", 0x7fffffff)
	s.ticket = s.buildTicket(c)
	s.tmd = s.buildTMD(c, []testChunk{
		{id: 0xa, index: 0, typ: ctrfs.ContentEncrypted, data: s.ncch},
		{id: 0xb, index: 1, typ: ctrfs.ContentOptional, data: make([]byte, 0x400)},
	})
}

func align(data []byte) []byte {
	return append(data, make([]byte, ctrutil.AlignUp(len(data), 0x40)-len(data))...)
}

// buildCIA packs the suite objects with an encrypted boot content and a missing manual.
func (s *ciaSuite) buildCIA(c *C) []byte {
	content := append([]byte(nil), s.ncch...)
	block, err := aes.NewCipher(testTitleKey[:])
	c.Assert(err, IsNil)
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(content, content)

	meta := make([]byte, 0x3ac0)
	binary.LittleEndian.PutUint64(meta, 0x0004013000001802)
	binary.LittleEndian.PutUint32(meta[0x300:], 2)
	copy(meta[0x400:], s.smdh)

	header := make([]byte, 0x2020)
	binary.LittleEndian.PutUint32(header, 0x2020)
	binary.LittleEndian.PutUint32(header[0x8:], uint32(len(s.certs)))
	binary.LittleEndian.PutUint32(header[0xc:], uint32(len(s.ticket)))
	binary.LittleEndian.PutUint32(header[0x10:], uint32(len(s.tmd)))
	binary.LittleEndian.PutUint32(header[0x14:], uint32(len(meta)))
	binary.LittleEndian.PutUint64(header[0x18:], uint64(len(content)))
	header[0x20] = 0x80

	var cia []byte
	for _, part := range [][]byte{header, s.certs, s.ticket, s.tmd, content, meta} {
		cia = append(cia, align(part)...)
	}
	return cia
}

func (s *ciaSuite) TestOpen(c *C) {
	cia, err := ctrfs.OpenCIA(bytes.NewReader(s.buildCIA(c)))
	c.Assert(err, IsNil)
	c.Check(cia.Certificates, HasLen, 3)
	c.Check(cia.Ticket.TitleID, Equals, ctrfs.Hex64(testTitleID))
	c.Check(cia.Ticket.TicketID, Equals, ctrfs.Hex64(0x0123456789abcdef))
	c.Check(cia.Ticket.ConsoleID, Equals, ctrfs.Hex32(0xc0ffee))
	c.Check(cia.Ticket.CommonKeyIndex, Equals, uint8(1))
	c.Check(cia.TMD.TitleID, Equals, ctrfs.Hex64(testTitleID))
	c.Check(cia.TMD.TitleVersion, Equals, uint16(0x0410))
	c.Check(cia.TMD.Contents, HasLen, 2)
	c.Check(cia.Verify(), IsNil)
	c.Check(cia.TMD.CheckHashes(), IsNil)

	c.Check(cia.ContentPresent(0), Equals, true)
	c.Check(cia.ContentPresent(1), Equals, false)
	offset, err := cia.ContentOffset(0)
	c.Assert(err, IsNil)
	tmdOffset := ctrutil.AlignUp(0x2040+len(s.certs)+len(s.ticket), 0x40)
	c.Check(offset, Equals, int64(ctrutil.AlignUp(tmdOffset+len(s.tmd), 0x40)))
	size, err := cia.ContentLength(0)
	c.Assert(err, IsNil)
	c.Check(size, Equals, int64(len(s.ncch)))
	_, err = cia.ContentOffset(1)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
	_, err = cia.ContentLength(2)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)

	c.Assert(cia.Meta, NotNil)
	c.Check(cia.Meta.Dependencies, DeepEquals, []ctrfs.Hex64{0x0004013000001802})
	c.Check(cia.Meta.CoreVersion, Equals, uint32(2))
	c.Assert(cia.Meta.SMDH, NotNil)
	c.Check(cia.Meta.SMDH.Title.ShortDescription, Equals, "CIA title")
}

func (s *ciaSuite) TestContentDecryption(c *C) {
	cia, err := ctrfs.OpenCIA(bytes.NewReader(s.buildCIA(c)))
	c.Assert(err, IsNil)

	store := &keys.MapStore{Commons: map[uint8]keys.Key{1: testCommonKey}}
	titleKey, err := cia.Ticket.TitleKey(store)
	c.Assert(err, IsNil)
	c.Check(titleKey, Equals, testTitleKey)

	content, err := cia.OpenContent(0, store)
	c.Assert(err, IsNil)
	c.Check(mustReadAll(c, content), DeepEquals, s.ncch)

	n, err := cia.OpenNCCH(0, &ctrfs.Options{Keys: store})
	c.Assert(err, IsNil)
	checkContent(c, n)

	_, err = cia.OpenContent(0, nil)
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	_, err = cia.OpenContent(0, &keys.MapStore{})
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	_, err = cia.OpenNCCH(1, nil)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
}

func (s *ciaSuite) TestTamperedSignatures(c *C) {
	raw := s.buildCIA(c)
	// Change the title version, covered by the TMD signature.
	tmdOffset := ctrutil.AlignUp(0x2040+len(s.certs)+len(s.ticket), 0x40)
	raw[tmdOffset+0x140+0x9d] ^= 0x01
	cia, err := ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Assert(err, IsNil)
	c.Check(cia.Ticket.Verify(cia.Certificates), IsNil)
	c.Check(cia.Verify(), ErrorMatches, "cia: tmd: certs: invalid signature from Root-CA00000003-CP0000000b: .*")

	raw = s.buildCIA(c)
	// Corrupt the signature of the ticket certificate.
	raw[0x2040+0x300+0x10] ^= 0x01
	cia, err = ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Assert(err, IsNil)
	c.Check(cia.TMD.Verify(cia.Certificates), IsNil)
	c.Check(cia.Verify(), ErrorMatches, "cia: ticket: certs: invalid signature from Root-CA00000003: .*")
}

func (s *ciaSuite) TestMalformed(c *C) {
	raw := s.buildCIA(c)
	binary.LittleEndian.PutUint32(raw, 0x2000)
	_, err := ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "cia: invalid format: header length must be 8224, got 8192")

	raw = s.buildCIA(c)
	_, err = ctrfs.OpenCIA(bytes.NewReader(raw[:0x2800]))
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)

	raw = s.buildCIA(c)
	binary.LittleEndian.PutUint64(raw[0x18:], 0x200)
	_, err = ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "cia: invalid format: contents exceed the content section")

	// A boot content size with the top bit set must not wrap the offsets around.
	raw = s.buildCIA(c)
	tmdOffset := ctrutil.AlignUp(0x2040+len(s.certs)+len(s.ticket), 0x40)
	binary.BigEndian.PutUint64(raw[tmdOffset+0x140+0x9c4+0x8:], 1<<63)
	_, err = ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "cia: invalid format: contents exceed the content section")

	raw = s.buildCIA(c)
	binary.LittleEndian.PutUint64(raw[0x18:], 1<<63)
	_, err = ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "cia: invalid format: content section size 0x8000000000000000 is out of range")

	raw = s.buildCIA(c)
	binary.LittleEndian.PutUint32(raw[0x8:], 0xffffffff)
	_, err = ctrfs.OpenCIA(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, `cia: failed to read certificates: invalid format: \[0x2040, 0x10000203f\) is truncated`)
}

func (s *ciaSuite) TestTMDWithTrailer(c *C) {
	tmd, err := ctrfs.ParseTMD(bytes.NewReader(append(append([]byte(nil), s.tmd...), s.certs...)))
	c.Assert(err, IsNil)
	c.Check(tmd.CertsTrailer, Equals, true)
	c.Check(tmd.Verify(nil), IsNil)

	boot, err := tmd.BootContent()
	c.Assert(err, IsNil)
	c.Check(boot.ID, Equals, ctrfs.Hex32(0xa))
	c.Check(boot.Encrypted(), Equals, true)
	manual, err := tmd.ManualContent()
	c.Assert(err, IsNil)
	c.Check(manual.Optional(), Equals, true)
	_, err = tmd.DLPContent()
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)

	tmd, err = ctrfs.ParseTMD(bytes.NewReader(s.tmd))
	c.Assert(err, IsNil)
	c.Check(tmd.CertsTrailer, Equals, false)
	c.Check(errors.Is(tmd.Verify(nil), ctrutil.ErrNotPresent), Equals, true)
}

func (s *ciaSuite) TestTMDHashes(c *C) {
	raw := append([]byte(nil), s.tmd...)
	// Corrupt the hash of the second chunk record.
	raw[0x140+0x9c4+0x30+0x10] ^= 0x01
	tmd, err := ctrfs.ParseTMD(bytes.NewReader(raw))
	c.Assert(err, IsNil)
	c.Check(tmd.CheckHashes(), ErrorMatches, "tmd: invalid format: invalid hash for content chunk records 0 to 1")

	raw = append([]byte(nil), s.tmd...)
	raw[0x140+0xc4+0x24] = 0x01
	tmd, err = ctrfs.ParseTMD(bytes.NewReader(raw))
	c.Assert(err, IsNil)
	c.Check(tmd.CheckHashes(), ErrorMatches, "tmd: invalid format: invalid hash for content info records")
}

func (s *ciaSuite) TestUnknownSignatureType(c *C) {
	raw := append([]byte(nil), s.tmd...)
	binary.BigEndian.PutUint32(raw, 0x20000)
	_, err := ctrfs.ParseTMD(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "tmd: invalid format: unknown signature type 0x00020000")

	raw = append([]byte(nil), s.ticket...)
	raw[0x140+0xb1] = 6
	_, err = ctrfs.ParseTicket(bytes.NewReader(raw))
	c.Check(err, ErrorMatches, "ticket: invalid format: common key index must be less than 6, got 6")
}

func (s *ciaSuite) TestTitleLayout(c *C) {
	fs := afero.NewMemMapFs()
	dir := "/sdmc/title/00040000/00123400/content"
	c.Assert(afero.WriteFile(fs, dir+"/00000001.tmd", s.tmd, 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, dir+"/00000003.tmd", []byte("newer, but incomplete"), 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, dir+"/0000000a.app", s.ncch, 0o644), IsNil)

	layout, err := ctrfs.LoadTitleLayout(fs, "/sdmc", testTitleID)
	c.Assert(err, IsNil)

	contentPath, err := layout.ContentPath(testTitleID, 1)
	c.Assert(err, IsNil)
	c.Check(contentPath, Equals, dir+"/0000000b.app")
	_, err = layout.ContentPath(testTitleID, 5)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
	_, err = layout.ContentPath(0x0004000000000001, 0)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)

	n, err := ctrfs.OpenBootContent(fs, layout, layout.TMD, nil)
	c.Assert(err, IsNil)
	defer n.Close()
	checkContent(c, n)

	_, err = ctrfs.LoadTitleLayout(fs, "/sdmc", 0x0004000000000001)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
}

package ctrfs_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"

	"github.com/spf13/afero"
	. "gopkg.in/check.v1"

	"github.com/connesc/ctrfs"
	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
	"github.com/connesc/ctrfs/layeredfs"
)

type ncchSuite struct{}

var _ = Suite(&ncchSuite{})

var (
	testPrimary   = keys.Key{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00}
	testSecondary = keys.Key{0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78, 0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0}
	testSeed      = keys.Key{0x5e, 0xed}

	testCode  = bytes.Repeat([]byte("code"), 100)
	testIcon  = bytes.Repeat([]byte{0x1c}, 0x300)
	testRomFS = bytes.Repeat([]byte("romfs data "), 1000)
)

func sampleNCCH() *testNCCH {
	t := newTestNCCH()
	t.exheader = testExHeader(testProgramID, false)
	t.sections = []testSection{
		{".code", testCode},
		{"icon", testIcon},
	}
	t.romfs = testRomFS
	t.primary = testPrimary
	t.secondary = testSecondary
	return t
}

func openNCCH(c *C, image []byte, opts *ctrfs.Options) *ctrfs.NCCH {
	n, err := ctrfs.OpenNCCH(bytes.NewReader(image), 0, opts)
	c.Assert(err, IsNil)
	return n
}

func checkContent(c *C, n *ctrfs.NCCH) {
	exheader, err := n.ExHeader()
	c.Assert(err, IsNil)
	c.Check(exheader.CodeSet.Name, Equals, "testapp")
	c.Check(exheader.CodeSet.Text.Address, Equals, ctrfs.Hex32(0x100000))
	c.Check(exheader.Dependencies, DeepEquals, []ctrfs.Hex64{0x0004013000001802})
	c.Check(exheader.ARM11LocalCaps.Services, DeepEquals, []string{"fs:USER", "hid:USER"})
	c.Check(exheader.ARM11LocalCaps.Priority, Equals, uint8(0x30))

	code, err := n.LoadSection(".code")
	c.Assert(err, IsNil)
	c.Check(code, DeepEquals, testCode)

	icon, err := n.LoadSection("icon")
	c.Assert(err, IsNil)
	c.Check(icon, DeepEquals, testIcon)

	romfs, err := n.OpenRomFS(false)
	c.Assert(err, IsNil)
	c.Check(mustReadAll(c, romfs)[:len(testRomFS)], DeepEquals, testRomFS)
}

func (s *ncchSuite) TestPlainContainerNeverTouchesKeys(c *C) {
	store := &countingStore{}
	n := openNCCH(c, sampleNCCH().plain().build(), &ctrfs.Options{Keys: store})

	c.Check(n.ProgramID(), Equals, uint64(testProgramID))
	c.Check(n.Header.ProductCode, Equals, "CTR-P-TEST")
	c.Check(n.Header.NoCrypto, Equals, true)
	c.Check(n.HasExeFS(), Equals, true)
	c.Check(n.HasRomFS(), Equals, true)
	c.Check(n.Tainted(), Equals, false)
	checkContent(c, n)
	c.Check(store.calls, Equals, 0)
}

func (s *ncchSuite) TestEncryptedContainer(c *C) {
	t := sampleNCCH()
	t.flags[3] = 0x01
	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{
		keys.SlotNCCHSecure1: testPrimary,
		keys.SlotNCCHSecure2: testSecondary,
	}}
	checkContent(c, openNCCH(c, t.build(), &ctrfs.Options{Keys: store}))
}

func (s *ncchSuite) TestSecondaryKeySlots(c *C) {
	for field, slot := range map[byte]keys.Slot{
		0x00: keys.SlotNCCHSecure1,
		0x0a: keys.SlotNCCHSecure3,
		0x0b: keys.SlotNCCHSecure4,
	} {
		t := sampleNCCH()
		t.flags[3] = field
		if slot == keys.SlotNCCHSecure1 {
			t.secondary = testPrimary
		}
		store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{
			keys.SlotNCCHSecure1: testPrimary,
			slot:                 t.secondary,
		}}
		n := openNCCH(c, t.build(), &ctrfs.Options{Keys: store})
		code, err := n.LoadSection(".code")
		c.Assert(err, IsNil, Commentf("slot %s", slot))
		c.Check(code, DeepEquals, testCode)
	}

	t := sampleNCCH()
	t.flags[3] = 0x05
	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{keys.SlotNCCHSecure1: testPrimary}}
	n := openNCCH(c, t.build(), &ctrfs.Options{Keys: store})
	_, err := n.LoadSection(".code")
	c.Check(err, ErrorMatches, "exefs: failed to read header: ncch: invalid format: unknown secondary key slot 0x05")
}

func (s *ncchSuite) TestMissingKeys(c *C) {
	n := openNCCH(c, sampleNCCH().build(), nil)
	c.Check(n.ProgramID(), Equals, uint64(testProgramID))

	_, err := n.ExHeader()
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	_, err = n.LoadSection("icon")
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	_, err = n.OpenRomFS(false)
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)

	n = openNCCH(c, sampleNCCH().build(), &ctrfs.Options{Keys: &keys.MapStore{}})
	_, err = n.ExHeader()
	c.Check(err, ErrorMatches, "exheader: ncch: encryption unavailable: missing key for slot 0x2C")
}

func (s *ncchSuite) TestWrongKeysAreDetected(c *C) {
	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{
		keys.SlotNCCHSecure1: testSecondary,
		keys.SlotNCCHSecure2: testPrimary,
	}}
	n := openNCCH(c, sampleNCCH().build(), &ctrfs.Options{Keys: store})
	_, err := n.ExHeader()
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	c.Check(err, ErrorMatches, ".*program id mismatch.*")
}

func (s *ncchSuite) TestFixedKey(c *C) {
	t := sampleNCCH()
	t.flags[7] = 0x1
	t.primary = keys.Key{}
	t.secondary = keys.Key{}
	store := &countingStore{}
	checkContent(c, openNCCH(c, t.build(), &ctrfs.Options{Keys: store}))
	c.Check(store.calls, Equals, 0)
}

func seedCheck(seed keys.Key, programID uint64) uint32 {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], programID)
	hash := sha256.Sum256(append(seed[:], id[:]...))
	return binary.LittleEndian.Uint32(hash[:])
}

func (s *ncchSuite) TestSeedCrypto(c *C) {
	t := sampleNCCH()
	t.flags[3] = 0x01
	t.flags[7] = 0x20
	t.seedCheck = seedCheck(testSeed, testProgramID)
	image := t.build()

	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{
		keys.SlotNCCHSecure1: testPrimary,
		keys.SlotNCCHSecure2: testSecondary,
	}}

	n := openNCCH(c, image, &ctrfs.Options{Keys: store})
	_, err := n.LoadSection(".code")
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	c.Check(err, ErrorMatches, ".*missing seed for 0004000000123400")

	store.Seeds = map[uint64]keys.Key{testProgramID: {0xba, 0xd5}}
	n = openNCCH(c, image, &ctrfs.Options{Keys: store})
	_, err = n.LoadSection(".code")
	c.Check(errors.Is(err, ctrutil.ErrEncryptionUnavailable), Equals, true)
	c.Check(err, ErrorMatches, ".*does not match its verification hash")

	store.Seeds[testProgramID] = testSeed
	checkContent(c, openNCCH(c, image, &ctrfs.Options{Keys: store}))
}

// keyYRecorder remembers the KeyY of the last lookup of each slot.
type keyYRecorder struct {
	keys.Store
	keyYs map[keys.Slot]keys.Key
}

func (r *keyYRecorder) NormalKey(titleID uint64, slot keys.Slot, keyY keys.Key) (keys.Key, bool) {
	r.keyYs[slot] = keyY
	return r.Store.NormalKey(titleID, slot, keyY)
}

func (s *ncchSuite) TestSeedKeyDerivation(c *C) {
	keyX2C := keys.Key{0x2c, 0x2c, 0x2c, 0x2c}
	keyX25 := keys.Key{0x25, 0x25, 0x25, 0x25}
	generator := keys.Key{0x1f, 0xf9, 0xe9, 0xaa, 0xc5, 0xfe, 0x04, 0x08, 0x02, 0x45, 0x91, 0xdc, 0x5d, 0x52, 0x76, 0x8a}
	store := keys.NewFileStore()
	c.Assert(store.ParseKeys(strings.NewReader(
		"generator="+generator.String()+"\n"+
			"slot0x2CKeyX="+keyX2C.String()+"\n"+
			"slot0x25KeyX="+keyX25.String()+"\n")), IsNil)
	store.AddSeed(testProgramID, testSeed)

	t := sampleNCCH()
	t.flags[3] = 0x01
	t.flags[7] = 0x20
	t.seedCheck = seedCheck(testSeed, testProgramID)
	hash := sha256.Sum256(append(append([]byte(nil), t.keyY[:]...), testSeed[:]...))
	var seededY keys.Key
	copy(seededY[:], hash[:16])
	t.primary = keys.Scramble(keyX2C, t.keyY, generator)
	t.secondary = keys.Scramble(keyX25, seededY, generator)

	recorder := &keyYRecorder{Store: store, keyYs: make(map[keys.Slot]keys.Key)}
	checkContent(c, openNCCH(c, t.build(), &ctrfs.Options{Keys: recorder}))
	c.Check(recorder.keyYs[keys.SlotNCCHSecure1], Equals, t.keyY)
	c.Check(recorder.keyYs[keys.SlotNCCHSecure2], Equals, seededY)

	// Without seed crypto, the secondary key comes from the unmodified KeyY.
	t.flags[7] = 0
	t.secondary = keys.Scramble(keyX25, t.keyY, generator)
	recorder.keyYs = make(map[keys.Slot]keys.Key)
	checkContent(c, openNCCH(c, t.build(), &ctrfs.Options{Keys: recorder}))
	c.Check(recorder.keyYs[keys.SlotNCCHSecure2], Equals, t.keyY)
}

func (s *ncchSuite) TestCompressedCode(c *C) {
	t := sampleNCCH().plain()
	t.exheader = testExHeader(testProgramID, true)
	t.sections[0].data = lzssSample
	n := openNCCH(c, t.build(), nil)

	code, err := n.LoadSection(".code")
	c.Assert(err, IsNil)
	c.Check(code, DeepEquals, lzssSampleDecompressed)
}

func (s *ncchSuite) TestSectionHashMismatch(c *C) {
	image := sampleNCCH().plain().build()
	// The icon is the second section, right after the 0x200 bytes of .code.
	exefs := int(binary.LittleEndian.Uint32(image[0x1a0:])) * 0x200
	image[exefs+0x200+0x200] ^= 0xff

	n := openNCCH(c, image, nil)
	_, err := n.LoadSection("icon")
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
	c.Check(err, ErrorMatches, "exefs: invalid format: hash mismatch for section icon")

	_, err = n.LoadSection(".code")
	c.Check(err, IsNil)
}

func (s *ncchSuite) TestMissingSections(c *C) {
	t := sampleNCCH().plain()
	t.romfs = nil
	n := openNCCH(c, t.build(), nil)

	c.Check(n.HasRomFS(), Equals, false)
	_, err := n.OpenRomFS(true)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
	_, err = n.LoadSection("banner")
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
	_, err = n.LoadSection("logo")
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)

	t.sections = nil
	_, err = ctrfs.OpenNCCH(bytes.NewReader(t.build()), 0, nil)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
}

func (s *ncchSuite) TestLogoRegion(c *C) {
	t := sampleNCCH().plain()
	t.logo = bytes.Repeat([]byte("logo"), 0x80)
	n := openNCCH(c, t.build(), nil)

	logo, err := n.LoadSection("logo")
	c.Assert(err, IsNil)
	c.Check(logo, DeepEquals, t.logo)
}

func (s *ncchSuite) TestOversizedLogoRegion(c *C) {
	t := sampleNCCH().plain()
	t.logo = bytes.Repeat([]byte("logo"), 0x80)
	image := t.build()
	binary.LittleEndian.PutUint32(image[0x19c:], 0xffffffff)
	n := openNCCH(c, image, nil)

	_, err := n.LoadSection("logo")
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
	c.Check(err, ErrorMatches, `ncch: failed to read logo region: invalid format: \[0x[0-9a-f]+, 0x[0-9a-f]+\) is truncated`)

	// The logo region is checked only when it is read.
	code, err := n.LoadSection(".code")
	c.Assert(err, IsNil)
	c.Check(code, DeepEquals, testCode)
}

func (s *ncchSuite) TestMalformedHeaders(c *C) {
	_, err := ctrfs.OpenNCCH(bytes.NewReader(make([]byte, 0x100)), 0, nil)
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)

	_, err = ctrfs.OpenNCCH(bytes.NewReader(make([]byte, 0x200)), 0, nil)
	c.Check(err, ErrorMatches, "ncch: invalid format: magic not found")

	image := sampleNCCH().plain().build()
	truncated := image[:len(image)-0x400]
	n := openNCCH(c, truncated, nil)
	_, err = n.OpenRomFS(false)
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
}

func buildNCSD(partitions ...[]byte) []byte {
	image := make([]byte, 0x4000)
	copy(image[0x100:], "NCSD")
	binary.LittleEndian.PutUint64(image[0x108:], testProgramID)
	for i, partition := range partitions {
		binary.LittleEndian.PutUint32(image[0x120+i*8:], uint32(len(image)/0x200))
		binary.LittleEndian.PutUint32(image[0x124+i*8:], uint32(len(partition)/0x200))
		image = append(image, partition...)
	}
	binary.LittleEndian.PutUint32(image[0x104:], uint32(len(image)/0x200))
	return image
}

func (s *ncchSuite) TestNCSDPartitions(c *C) {
	manual := sampleNCCH().plain()
	manual.sections = []testSection{{"icon", []byte("manual icon")}}
	image := buildNCSD(sampleNCCH().plain().build(), manual.build())

	n := openNCCH(c, image, nil)
	c.Assert(n.NCSD, NotNil)
	c.Check(n.NCSD.Partitions[0].Offset, Equals, uint32(0x20))
	checkContent(c, n)

	n = openNCCH(c, image, &ctrfs.Options{Partition: 1})
	icon, err := n.LoadSection("icon")
	c.Assert(err, IsNil)
	c.Check(string(icon), Equals, "manual icon")

	_, err = ctrfs.OpenNCCH(bytes.NewReader(image), 0, &ctrfs.Options{Partition: 2})
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)

	_, err = ctrfs.OpenNCCH(bytes.NewReader(image), 0, &ctrfs.Options{Partition: 8})
	c.Check(err, ErrorMatches, "ncsd: invalid partition 8")
}

func (s *ncchSuite) TestVersion1Counters(c *C) {
	t := sampleNCCH()
	t.version = 1
	image := t.build()

	// Re-encrypt with the counters of version 1 containers: the little-endian partition id
	// followed by the big-endian offset of each region.
	plain := sampleNCCH().plain().build()
	copy(image[0x200:], plain[0x200:])
	counter := func(offset uint32) [16]byte {
		var counter [16]byte
		binary.LittleEndian.PutUint64(counter[:], testProgramID)
		binary.BigEndian.PutUint32(counter[12:], offset)
		return counter
	}
	ctrXOR(testPrimary, counter(0x200), 0, image[0x200:0xa00])

	exefs := binary.LittleEndian.Uint32(image[0x1a0:]) * 0x200
	ctrXOR(testPrimary, counter(exefs), 0, image[exefs:exefs+0x200])
	ctrXOR(testSecondary, counter(exefs), 0x200, image[exefs+0x200:exefs+0x400])
	ctrXOR(testPrimary, counter(exefs), 0x400, image[exefs+0x400:exefs+0x800])

	romfs := binary.LittleEndian.Uint32(image[0x1b0:]) * 0x200
	ctrXOR(testSecondary, counter(romfs), 0, image[romfs:])

	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{
		keys.SlotNCCHSecure1: testPrimary,
		keys.SlotNCCHSecure2: testSecondary,
	}}
	image[0x188+3] = 0x01
	checkContent(c, openNCCH(c, image, &ctrfs.Options{Keys: store}))
}

func (s *ncchSuite) TestOverrides(c *C) {
	fs := afero.NewMemMapFs()
	c.Assert(afero.WriteFile(fs, "/games/test.cxi", sampleNCCH().plain().build(), 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, "/games/test.cxi.exefsdir/icon.bin", []byte("new icon"), 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, "/games/test.cxi.romfs", []byte("plain romfs"), 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, "/mods/0004000000123400/exefs/banner.bnr", []byte("new banner"), 0o644), IsNil)
	// Replace the first 4 bytes of .code.
	c.Assert(afero.WriteFile(fs, "/mods/0004000000123400/code.ips", []byte("PATCH\x00\x00\x00\x00\x04CODEEOF"), 0o644), IsNil)

	n, err := ctrfs.OpenNCCHFile(fs, "/games/test.cxi", &ctrfs.Options{ModsDir: "/mods"})
	c.Assert(err, IsNil)
	defer n.Close()
	c.Check(n.Tainted(), Equals, true)

	icon, err := n.LoadSection("icon")
	c.Assert(err, IsNil)
	c.Check(string(icon), Equals, "new icon")

	banner, err := n.LoadSection("banner")
	c.Assert(err, IsNil)
	c.Check(string(banner), Equals, "new banner")

	romfs, err := n.OpenRomFS(true)
	c.Assert(err, IsNil)
	c.Check(string(mustReadAll(c, romfs)), Equals, "plain romfs")

	code, err := n.LoadSection(".code")
	c.Assert(err, IsNil)
	patched, err := n.ApplyCodePatch(code)
	c.Assert(err, IsNil)
	c.Check(patched[:8], DeepEquals, []byte("CODEcode"))
	c.Check(len(patched), Equals, len(testCode))
}

func (s *ncchSuite) TestNoCodePatch(c *C) {
	n := openNCCH(c, sampleNCCH().plain().build(), nil)
	_, err := n.ApplyCodePatch(testCode)
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
}

func (s *ncchSuite) TestRomFSMods(c *C) {
	fs := afero.NewMemMapFs()
	c.Assert(afero.WriteFile(fs, "/src/a.txt", []byte("original"), 0o644), IsNil)
	c.Assert(afero.WriteFile(fs, "/src/dir/b.txt", []byte("untouched"), 0o644), IsNil)
	built, err := layeredfs.Build(fs, "/src", nil)
	c.Assert(err, IsNil)

	t := sampleNCCH()
	t.romfs = mustReadAll(c, built)
	image := t.build()
	c.Assert(afero.WriteFile(fs, "/mods/0004000000123400/romfs/a.txt", []byte("modded"), 0o644), IsNil)

	store := &keys.MapStore{Keys: map[keys.Slot]keys.Key{keys.SlotNCCHSecure1: testPrimary, keys.SlotNCCHSecure2: testSecondary}}
	image[0x188+3] = 0x01
	n := openNCCH(c, image, &ctrfs.Options{Keys: store, Fs: fs, ModsDir: "/mods"})
	c.Check(n.Tainted(), Equals, false)

	reader, err := n.OpenRomFS(true)
	c.Assert(err, IsNil)
	layered, ok := reader.(*layeredfs.LayeredFS)
	c.Assert(ok, Equals, true)
	file, err := layered.OpenFile("/a.txt")
	c.Assert(err, IsNil)
	content, err := io.ReadAll(file)
	c.Assert(err, IsNil)
	c.Check(string(content), Equals, "modded")

	reader, err = n.OpenRomFS(false)
	c.Assert(err, IsNil)
	_, ok = reader.(*layeredfs.LayeredFS)
	c.Check(ok, Equals, false)

	target := afero.NewMemMapFs()
	c.Assert(n.DumpRomFS(target, "/out"), IsNil)
	dumped, err := afero.ReadFile(target, "/out/a.txt")
	c.Assert(err, IsNil)
	c.Check(string(dumped), Equals, "modded")
	dumped, err = afero.ReadFile(target, "/out/dir/b.txt")
	c.Assert(err, IsNil)
	c.Check(string(dumped), Equals, "untouched")
}

func (s *ncchSuite) TestExtdataID(c *C) {
	n := openNCCH(c, sampleNCCH().plain().build(), nil)
	id, err := n.ExtdataID()
	c.Assert(err, IsNil)
	c.Check(id, Equals, uint64(0))

	raw := testExHeader(testProgramID, false)
	binary.LittleEndian.PutUint64(raw[0x230:], 0x1234)
	exheader, err := ctrfs.ParseExHeader(raw)
	c.Assert(err, IsNil)
	c.Check(exheader.ARM11LocalCaps.Storage.ExtendedAccess(), Equals, false)
	id, err = exheader.ExtdataID()
	c.Assert(err, IsNil)
	c.Check(id, Equals, uint64(0x1234))

	// Extended access: packed 20-bit ids, accessible unique ids first.
	raw[0x24f] = 0x2
	binary.LittleEndian.PutUint64(raw[0x230:], 0xabc)
	binary.LittleEndian.PutUint64(raw[0x240:], 0xdef<<20)
	exheader, err = ctrfs.ParseExHeader(raw)
	c.Assert(err, IsNil)
	id, err = exheader.ExtdataID()
	c.Assert(err, IsNil)
	c.Check(id, Equals, uint64(0xdef))

	binary.LittleEndian.PutUint64(raw[0x240:], 0)
	exheader, err = ctrfs.ParseExHeader(raw)
	c.Assert(err, IsNil)
	id, err = exheader.ExtdataID()
	c.Assert(err, IsNil)
	c.Check(id, Equals, uint64(0xabc))

	binary.LittleEndian.PutUint64(raw[0x230:], 0)
	exheader, err = ctrfs.ParseExHeader(raw)
	c.Assert(err, IsNil)
	_, err = exheader.ExtdataID()
	c.Check(errors.Is(err, ctrutil.ErrNotPresent), Equals, true)
}

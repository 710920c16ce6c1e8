package ctrfs_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/color"

	. "gopkg.in/check.v1"

	"github.com/connesc/ctrfs"
	"github.com/connesc/ctrfs/ctrutil"
)

type smdhSuite struct{}

var _ = Suite(&smdhSuite{})

func putUTF16(c *C, dst []byte, s string) {
	encoded, err := ctrutil.EncodeUTF16LE(s)
	c.Assert(err, IsNil)
	copy(dst, encoded)
}

// buildSMDH returns a SMDH with the given English title, whose large icon is red.
func buildSMDH(c *C, title string, regions uint32) []byte {
	raw := make([]byte, 0x36c0)
	copy(raw, "SMDH")
	english := raw[0x8+0x200:]
	putUTF16(c, english, title)
	putUTF16(c, english[0x80:], title+" (long)")
	putUTF16(c, english[0x180:], "Publisher")
	binary.LittleEndian.PutUint32(raw[0x2018:], regions)
	for i := 0x24c0; i < 0x36c0; i += 2 {
		binary.LittleEndian.PutUint16(raw[i:], 0xf800)
	}
	return raw
}

func (s *smdhSuite) TestParse(c *C) {
	smdh, err := ctrfs.ParseSMDH(bytes.NewReader(buildSMDH(c, "Título", 0x7fffffff)))
	c.Assert(err, IsNil)
	c.Check(smdh.Title.ShortDescription, Equals, "Título")
	c.Check(smdh.Title.LongDescription, Equals, "Título (long)")
	c.Check(smdh.Title.Publisher, Equals, "Publisher")
	c.Check(smdh.Titles[0].ShortDescription, Equals, "")
	c.Check(smdh.Regions, DeepEquals, []string{"World"})

	large, err := smdh.LargeIcon()
	c.Assert(err, IsNil)
	c.Check(large.Bounds().Dx(), Equals, 48)
	c.Check(large.Bounds().Dy(), Equals, 48)
	c.Check(large.At(47, 47), Equals, color.NRGBA{R: 0xff, A: 0xff})

	small, err := smdh.SmallIcon()
	c.Assert(err, IsNil)
	c.Check(small.Bounds().Dx(), Equals, 24)
	c.Check(small.At(0, 0), Equals, color.NRGBA{A: 0xff})
}

func (s *smdhSuite) TestFallbackTitle(c *C) {
	raw := buildSMDH(c, "", 0x1)
	putUTF16(c, raw[0x8+3*0x200:], "Titel")
	smdh, err := ctrfs.ParseSMDH(bytes.NewReader(raw))
	c.Assert(err, IsNil)
	c.Check(smdh.Title.ShortDescription, Equals, "Titel")
	c.Check(smdh.Regions, DeepEquals, []string{"Japan"})
}

func (s *smdhSuite) TestRegions(c *C) {
	smdh, err := ctrfs.ParseSMDH(bytes.NewReader(buildSMDH(c, "t", 0x46)))
	c.Assert(err, IsNil)
	c.Check(smdh.Regions, DeepEquals, []string{"North America", "Europe", "Taiwan"})

	_, err = ctrfs.ParseSMDH(bytes.NewReader(buildSMDH(c, "t", 0x80)))
	c.Check(err, ErrorMatches, "smdh: invalid format: unexpected region flags: 00000080")
}

func (s *smdhSuite) TestMalformed(c *C) {
	raw := buildSMDH(c, "t", 1)
	copy(raw, "HDMS")
	_, err := ctrfs.ParseSMDH(bytes.NewReader(raw))
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)

	_, err = ctrfs.ParseSMDH(bytes.NewReader(raw[:0x100]))
	c.Check(err, ErrorMatches, "smdh: failed to read data: unexpected EOF")
}

func (s *smdhSuite) TestIconTiles(c *C) {
	// One 8x8 tile: pixels are stored in Morton order.
	raw := make([]byte, 128)
	for _, i := range []int{3, 12, 63} {
		binary.LittleEndian.PutUint16(raw[2*i:], 0xffff)
	}
	img, err := ctrfs.DecodeIconImage(raw, 8)
	c.Assert(err, IsNil)

	white := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	c.Check(img.At(1, 1), Equals, white)
	c.Check(img.At(2, 2), Equals, white)
	c.Check(img.At(7, 7), Equals, white)
	c.Check(img.At(0, 0), Equals, color.NRGBA{A: 0xff})
	c.Check(img.At(1, 0), Equals, color.NRGBA{A: 0xff})

	_, err = ctrfs.DecodeIconImage(raw, 12)
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
	_, err = ctrfs.DecodeIconImage(raw[:100], 8)
	c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
}

func (s *smdhSuite) TestContainerIcon(c *C) {
	t := sampleNCCH().plain()
	t.sections[1].data = buildSMDH(c, "Sample", 0x7fffffff)
	n := openNCCH(c, t.build(), nil)

	smdh, err := n.Icon()
	c.Assert(err, IsNil)
	c.Check(smdh.Title.ShortDescription, Equals, "Sample")
}

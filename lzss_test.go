package ctrfs_test

import (
	"errors"

	. "gopkg.in/check.v1"

	"github.com/connesc/ctrfs"
	"github.com/connesc/ctrfs/ctrutil"
)

type lzssSuite struct{}

var _ = Suite(&lzssSuite{})

func (s *lzssSuite) TestDecompress(c *C) {
	out, err := ctrfs.LZSSDecompress(lzssSample)
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, string(lzssSampleDecompressed))
}

func (s *lzssSuite) TestNothingToDecompress(c *C) {
	// Empty stream: both distances point at the footer.
	in := []byte{'d', 'a', 't', 'a', 0x08, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}
	out, err := ctrfs.LZSSDecompress(in)
	c.Assert(err, IsNil)
	c.Check(out, DeepEquals, in)
}

func (s *lzssSuite) TestMalformed(c *C) {
	for _, t := range []struct {
		in  []byte
		err string
	}{
		{[]byte{1, 2, 3}, "lzss: invalid format: buffer is too small"},
		{[]byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f}, "lzss: invalid format: decompressed size is too large"},
		{[]byte{0, 0, 0, 0x10, 0, 0, 0, 0}, "lzss: invalid format: stream bounds are out of the buffer"},
		{[]byte{0x00, 0x00, 0x80, 0x0b, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}, "lzss: invalid format: back-reference reads past the end of the output"},
		{[]byte{0x00, 0x80, 0x0a, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}, "lzss: invalid format: back-reference crosses the start of the buffer"},
	} {
		_, err := ctrfs.LZSSDecompress(t.in)
		c.Check(err, ErrorMatches, t.err, Commentf("%x", t.in))
		c.Check(errors.Is(err, ctrutil.ErrInvalidFormat), Equals, true)
	}
}

package ctrfs

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/connesc/ctrfs/ctrutil"
)

// rgb565 is a pixel of SMDH icons.
type rgb565 uint16

func (p rgb565) NRGBA() color.NRGBA {
	r, g, b := uint32(p>>11), uint32(p>>5&0x3f), uint32(p&0x1f)
	return color.NRGBA{
		R: uint8((r*255 + 15) / 31),
		G: uint8((g*255 + 31) / 63),
		B: uint8((b*255 + 15) / 31),
		A: 0xff,
	}
}

// tilePosition returns the coordinates of the i-th pixel of a 8x8 tile, whose pixels are
// stored in Morton order.
func tilePosition(i int) (x, y int) {
	x = (i&16)>>2 | (i&4)>>1 | i&1      // bits 4 2 0
	y = (i&32)>>3 | (i&8)>>2 | (i&2)>>1 // bits 5 3 1
	return x, y
}

// DecodeIconImage decodes a RGB565 image stored in 8x8 tiles with Morton-ordered pixels, as
// found in SMDH files.
func DecodeIconImage(src []byte, width int) (image.Image, error) {
	if width <= 0 || width%8 != 0 {
		return nil, fmt.Errorf("icon: %w: width must be positive and multiple of 8, got %d", ctrutil.ErrInvalidFormat, width)
	}
	n := len(src)
	if n == 0 || n%(16*width) != 0 {
		return nil, fmt.Errorf("icon: %w: length must be positive and multiple of %d (16*width), got %d", ctrutil.ErrInvalidFormat, 16*width, n)
	}

	pixels := n / 2
	dst := image.NewNRGBA(image.Rect(0, 0, width, pixels/width))
	tilesPerRow := width / 8

	for i := 0; i < pixels; i++ {
		tile := i >> 6
		x, y := tilePosition(i)
		x |= (tile % tilesPerRow) << 3
		y |= (tile / tilesPerRow) << 3
		dst.SetNRGBA(x, y, rgb565(binary.LittleEndian.Uint16(src[2*i:])).NRGBA())
	}
	return dst, nil
}

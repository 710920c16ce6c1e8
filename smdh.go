package ctrfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/connesc/ctrfs/ctrutil"
)

const (
	smdhSize       = 0x36c0
	smdhSmallIcon  = 0x2040
	smdhLargeIcon  = 0x24c0
	smdhTitleCount = 16
)

// Languages of the SMDH titles, in storage order.
var Languages = [smdhTitleCount]string{
	"Japanese", "English", "French", "German", "Italian", "Spanish", "Simplified Chinese",
	"Korean", "Dutch", "Portuguese", "Russian", "Traditional Chinese",
}

// SMDH is the icon and metadata file of a title, found in the "icon" ExeFS section and in
// the meta block of CIA files.
type SMDH struct {
	Version uint16
	Titles  [smdhTitleCount]SMDHTitle `json:"-"`
	Title   SMDHTitle
	Regions []string
	Flags   Hex32

	raw []byte
}

type SMDHTitle struct {
	ShortDescription string
	LongDescription  string
	Publisher        string
}

// ParseSMDH parses a SMDH file. Title is the English title, or the first non-empty one.
func ParseSMDH(input io.Reader) (*SMDH, error) {
	reader := ctrutil.NewReader(input)

	data := make([]byte, smdhSize)
	_, err := io.ReadFull(reader, data)
	if err != nil {
		return nil, fmt.Errorf("smdh: failed to read data: %w", err)
	}

	if string(data[:0x4]) != "SMDH" {
		return nil, fmt.Errorf("smdh: %w: magic not found", ctrutil.ErrInvalidFormat)
	}

	smdh := &SMDH{
		Version: binary.LittleEndian.Uint16(data[0x4:]),
		Flags:   Hex32(binary.LittleEndian.Uint32(data[0x2028:])),
		raw:     data,
	}

	for i := range smdh.Titles {
		title := data[0x8+i*0x200 : 0x8+(i+1)*0x200]
		var err error
		t := &smdh.Titles[i]
		if t.ShortDescription, err = ctrutil.DecodeUTF16LEString(title[:0x80]); err != nil {
			return nil, fmt.Errorf("smdh: title %d: %w", i, err)
		}
		if t.LongDescription, err = ctrutil.DecodeUTF16LEString(title[0x80:0x180]); err != nil {
			return nil, fmt.Errorf("smdh: title %d: %w", i, err)
		}
		if t.Publisher, err = ctrutil.DecodeUTF16LEString(title[0x180:0x200]); err != nil {
			return nil, fmt.Errorf("smdh: title %d: %w", i, err)
		}
	}
	smdh.Title = smdh.Titles[1]
	for i := 0; smdh.Title.ShortDescription == "" && i < len(smdh.Titles); i++ {
		smdh.Title = smdh.Titles[i]
	}

	smdh.Regions, err = parseRegions(binary.LittleEndian.Uint32(data[0x2018:]))
	if err != nil {
		return nil, err
	}
	return smdh, nil
}

func parseRegions(regionFlags uint32) ([]string, error) {
	regions := make([]string, 0, 1)
	if regionFlags == 0x7fffffff {
		return append(regions, "World"), nil
	}

	if regionFlags > 0x7f {
		return nil, fmt.Errorf("smdh: %w: unexpected region flags: %s", ctrutil.ErrInvalidFormat, Hex32(regionFlags))
	}
	for i, name := range []string{"Japan", "North America", "Europe", "Australia", "China", "Korea", "Taiwan"} {
		if regionFlags&(1<<i) != 0 {
			regions = append(regions, name)
		}
	}
	return regions, nil
}

// SmallIcon decodes the 24x24 icon.
func (s *SMDH) SmallIcon() (image.Image, error) {
	return DecodeIconImage(s.raw[smdhSmallIcon:smdhLargeIcon], 24)
}

// LargeIcon decodes the 48x48 icon.
func (s *SMDH) LargeIcon() (image.Image, error) {
	return DecodeIconImage(s.raw[smdhLargeIcon:smdhSize], 48)
}

// Icon loads and parses the "icon" section of the container.
func (n *NCCH) Icon() (*SMDH, error) {
	data, err := n.LoadSection("icon")
	if err != nil {
		return nil, err
	}
	return ParseSMDH(bytes.NewReader(data))
}

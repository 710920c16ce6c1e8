package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs"
)

func init() {
	infoCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(infoCmd)
}

type ncchInfo struct {
	File      *string `json:",omitempty"`
	Header    *ctrfs.NCCHHeader
	NCSD      *ctrfs.NCSD `json:",omitempty"`
	Tainted   bool
	ExHeader  *ctrfs.ExHeader `json:",omitempty"`
	ExtdataID *ctrfs.Hex64    `json:",omitempty"`
	ExeFS     *ctrfs.ExeFS    `json:",omitempty"`
	SMDH      *ctrfs.SMDH     `json:",omitempty"`
	// Errors lists the parts that could not be read, typically for lack of keys.
	Errors []string `json:",omitempty"`
}

var infoCmd = &cobra.Command{
	Use:   "info [file...]",
	Short: "Describe NCCH containers",
	Long:  "Describe the NCCH containers, or card images, given as arguments, or stdin if none is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		return processFiles(args, "NCCH", func(filename *string, input readerutil.SizeReaderAt) (interface{}, error) {
			var ncch *ctrfs.NCCH
			var err error
			if filename != nil {
				ncch, err = openNCCH(*filename)
			} else {
				ncch, err = ctrfs.OpenNCCH(input, 0, ncchOptions())
			}
			if err != nil {
				return nil, err
			}
			defer ncch.Close()

			info := describeNCCH(ncch)
			info.File = filename
			return info, nil
		})
	},
}

// describeNCCH loads every part of the container that is readable.
func describeNCCH(ncch *ctrfs.NCCH) *ncchInfo {
	info := &ncchInfo{
		Header:  ncch.Header,
		NCSD:    ncch.NCSD,
		Tainted: ncch.Tainted(),
	}
	skip := func(part string, err error) bool {
		if err == nil {
			return false
		}
		if !errors.Is(err, ctrfs.ErrNotPresent) {
			logger.Warn().Err(err).Str("part", part).Msg("unable to read container part")
			info.Errors = append(info.Errors, err.Error())
		}
		return true
	}

	if exheader, err := ncch.ExHeader(); !skip("exheader", err) {
		info.ExHeader = exheader
		if id, err := exheader.ExtdataID(); !skip("extdata id", err) {
			extdataID := ctrfs.Hex64(id)
			info.ExtdataID = &extdataID
		}
	}
	if exefs, err := ncch.ExeFS(); !skip("exefs", err) {
		info.ExeFS = exefs
	}
	if smdh, err := ncch.Icon(); !skip("icon", err) {
		info.SMDH = smdh
	}
	return info
}

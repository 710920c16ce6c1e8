package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs"
)

func init() {
	tmdCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(tmdCmd)
}

type tmdFile struct {
	File *string
	*ctrfs.TMD
	Signature string
	Hashes    string
}

var tmdCmd = &cobra.Command{
	Use:   "tmd [file...]",
	Short: "Check TMD files",
	Long:  "Check TMD files given as arguments, or stdin if none is given. The signature is checked against the certificates appended to the TMD.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return processFiles(args, "TMD", func(filename *string, input readerutil.SizeReaderAt) (interface{}, error) {
			tmd, err := ctrfs.ParseTMD(io.NewSectionReader(input, 0, input.Size()))
			if err != nil {
				return nil, err
			}
			return tmdFile{
				File:      filename,
				TMD:       tmd,
				Signature: check(tmd.Verify(nil)),
				Hashes:    check(tmd.CheckHashes()),
			}, nil
		})
	},
}

package cmd

import (
	"github.com/spf13/cobra"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs"
)

func init() {
	ciaCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(ciaCmd)
}

type ciaFile struct {
	File *string
	*ctrfs.CIA
	Signatures string
	Hashes     string
	Contents   []ciaContent
}

type ciaContent struct {
	Index   ctrfs.Hex16
	Present bool
	Offset  int64 `json:",omitempty"`
}

var ciaCmd = &cobra.Command{
	Use:   "cia [file...]",
	Short: "Check CIA files",
	Long:  "Check CIA files given as arguments, or stdin if none is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		return processFiles(args, "CIA", func(filename *string, input readerutil.SizeReaderAt) (interface{}, error) {
			cia, err := ctrfs.OpenCIA(input)
			if err != nil {
				return nil, err
			}

			result := ciaFile{
				File:       filename,
				CIA:        cia,
				Signatures: check(cia.Verify()),
				Hashes:     check(cia.TMD.CheckHashes()),
			}
			for i, content := range cia.TMD.Contents {
				entry := ciaContent{Index: content.Index, Present: cia.ContentPresent(uint16(content.Index))}
				if entry.Present {
					if entry.Offset, err = cia.ContentOffset(i); err != nil {
						return nil, err
					}
				}
				result.Contents = append(result.Contents, entry)
			}
			return result, nil
		})
	},
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connesc/ctrfs"
)

func init() {
	titleCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(titleCmd)
}

type titleInfo struct {
	Root    string
	TMD     *ctrfs.TMD
	Content string
	ncchInfo
}

var titleCmd = &cobra.Command{
	Use:   "title <root> <title id>",
	Short: "Describe an installed title",
	Long:  "Describe the boot content of a title installed under root, the \"Nintendo 3DS/<id0>/<id1>\" directory of a SD card or the root of a NAND dump",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ctrfs.ParseHex64(args[1])
		if err != nil {
			return fmt.Errorf("title: %w", err)
		}
		titleID := uint64(id)

		layout, err := ctrfs.LoadTitleLayout(osFs, args[0], titleID)
		if err != nil {
			return err
		}
		boot, err := layout.TMD.BootContent()
		if err != nil {
			return err
		}
		contentPath, err := layout.ContentPath(titleID, uint16(boot.Index))
		if err != nil {
			return err
		}

		ncch, err := ctrfs.OpenBootContent(osFs, layout, layout.TMD, ncchOptions())
		if err != nil {
			return err
		}
		defer ncch.Close()

		return printJSON(titleInfo{
			Root:     args[0],
			TMD:      layout.TMD,
			Content:  contentPath,
			ncchInfo: *describeNCCH(ncch),
		})
	},
}

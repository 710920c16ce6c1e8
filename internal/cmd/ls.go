package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(lsCmd)
}

var lsCmd = &cobra.Command{
	Use:   "ls <file>",
	Short: "List the RomFS of a container",
	Long:  "List the RomFS of a container, with the mods of the title applied unless --no-overlay is given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ncch, err := openNCCH(args[0])
		if err != nil {
			return err
		}
		defer ncch.Close()

		layered, err := ncch.OpenLayeredRomFS(!noOverlay)
		if err != nil {
			return err
		}

		var files int
		var total int64
		err = layered.Walk(func(path string, isDir bool, size int64) error {
			if isDir {
				_, err := fmt.Fprintf(os.Stdout, "%10s  %s\n", "-", path)
				return err
			}
			files++
			total += size
			_, err := fmt.Fprintf(os.Stdout, "%10s  %s\n", humanize.IBytes(uint64(size)), path)
			return err
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "%d files, %s\n", files, humanize.IBytes(uint64(total)))
		for _, warning := range layered.Warnings() {
			logger.Warn().Err(warning).Msg("layeredfs: overlay entry ignored")
		}
		return nil
	},
}

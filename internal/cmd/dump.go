package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump <file> <dir>",
	Short: "Extract the RomFS of a container",
	Long:  "Extract the RomFS of a container under dir, with the mods of the title applied unless --no-overlay is given",
	Args:  cobra.ExactArgs(2),
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
		if err := layered.Extract(osFs, args[1]); err != nil {
			return err
		}
		logger.Info().Str("dir", args[1]).Msg("RomFS extracted")
		return nil
	},
}

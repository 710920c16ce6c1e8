package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/connesc/ctrfs/layeredfs"
)

func init() {
	rootCmd.AddCommand(buildCmd)
}

var buildCmd = &cobra.Command{
	Use:   "build <dir> <output>",
	Short: "Build a RomFS image from a directory",
	Long:  "Build the level 3 RomFS image, without IVFC header, of the tree under dir. The image can be used as a \"<container>.romfs\" override.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		image, err := layeredfs.Build(osFs, args[0], &logger)
		if err != nil {
			return err
		}
		for _, warning := range image.Warnings() {
			logger.Warn().Err(warning).Msg("layeredfs: entry ignored")
		}

		output, err := osFs.Create(args[1])
		if err != nil {
			return fmt.Errorf("unable to create output: %w", err)
		}
		defer func() {
			err = multierr.Append(err, output.Close())
		}()

		if _, err := io.Copy(output, io.NewSectionReader(image, 0, image.Size())); err != nil {
			return fmt.Errorf("unable to write output: %w", err)
		}
		logger.Info().Str("output", args[1]).Str("size", humanize.IBytes(uint64(image.Size()))).Msg("RomFS built")
		return nil
	},
}

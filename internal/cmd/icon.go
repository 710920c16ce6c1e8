package cmd

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	iconOutput *string
	iconSmall  *bool
)

func init() {
	iconOutput = iconCmd.Flags().StringP("output", "o", "", "output PNG file (default stdout)")
	iconSmall = iconCmd.Flags().Bool("small", false, "extract the 24x24 icon instead of the 48x48 one")
	rootCmd.AddCommand(iconCmd)
}

var iconCmd = &cobra.Command{
	Use:   "icon <file>",
	Short: "Extract the icon of a container as PNG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ncch, err := openNCCH(args[0])
		if err != nil {
			return err
		}
		defer ncch.Close()

		smdh, err := ncch.Icon()
		if err != nil {
			return err
		}
		var icon image.Image
		if *iconSmall {
			icon, err = smdh.SmallIcon()
		} else {
			icon, err = smdh.LargeIcon()
		}
		if err != nil {
			return err
		}

		var output io.Writer = os.Stdout
		if *iconOutput != "" {
			file, createErr := osFs.Create(*iconOutput)
			if createErr != nil {
				return fmt.Errorf("unable to create output: %w", createErr)
			}
			defer func() {
				err = multierr.Append(err, file.Close())
			}()
			output = file
		}
		return png.Encode(output, icon)
	},
}

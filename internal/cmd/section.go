package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/connesc/ctrfs"
)

var (
	sectionOutput  *string
	sectionNoPatch *bool
)

func init() {
	sectionOutput = sectionCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	sectionNoPatch = sectionCmd.Flags().Bool("no-patch", false, "do not apply code.ips or code.bps to .code")
	rootCmd.AddCommand(sectionCmd)
}

var sectionCmd = &cobra.Command{
	Use:   "section <file> <name>",
	Short: "Extract an ExeFS section",
	Long:  "Extract an ExeFS section, such as .code, icon, banner or logo. The .code section is decompressed, then patched with the code patch of the title if any.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ncch, err := openNCCH(args[0])
		if err != nil {
			return err
		}
		defer ncch.Close()

		name := args[1]
		data, err := ncch.LoadSection(name)
		if err != nil {
			return err
		}
		if name == ".code" && !*sectionNoPatch {
			patched, err := ncch.ApplyCodePatch(data)
			switch {
			case err == nil:
				data = patched
			case !errors.Is(err, ctrfs.ErrNotPresent):
				return err
			}
		}

		if *sectionOutput == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := afero.WriteFile(osFs, *sectionOutput, data, 0o644); err != nil {
			return fmt.Errorf("unable to write output: %w", err)
		}
		return nil
	},
}

package cmd

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go4.org/readerutil"

	"github.com/connesc/ctrfs"
)

func init() {
	ticketCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(ticketCmd)
}

type ticketFile struct {
	File *string
	*ctrfs.Ticket
	Signature string
	TitleKey  string `json:",omitempty"`
}

var ticketCmd = &cobra.Command{
	Use:   "ticket [file...]",
	Short: "Check ticket files",
	Long:  "Check ticket files given as arguments, or stdin if none is given. The title key is decrypted when the common keys are available.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return processFiles(args, "ticket", func(filename *string, input readerutil.SizeReaderAt) (interface{}, error) {
			ticket, err := ctrfs.ParseTicket(io.NewSectionReader(input, 0, input.Size()))
			if err != nil {
				return nil, err
			}

			result := ticketFile{
				File:      filename,
				Ticket:    ticket,
				Signature: check(ticket.Verify(nil)),
			}
			titleKey, err := ticket.TitleKey(keyStore)
			switch {
			case err == nil:
				result.TitleKey = titleKey.String()
			case errors.Is(err, ctrfs.ErrEncryptionUnavailable):
				logger.Info().Stringer("title_id", ticket.TitleID).Msg("ticket: common key unavailable, title key left encrypted")
			default:
				return nil, err
			}
			return result, nil
		})
	},
}

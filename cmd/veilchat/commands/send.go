package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"veilchat/internal/domain"
)

// send <contact> <message>: seal and send one text message. --file
// sends a sealed media blob instead.
func sendCmd() *cobra.Command {
	var (
		file string
		kind string
	)
	cmd := &cobra.Command{
		Use:   "send <contact> [message]",
		Short: "Encrypt and send a message to a contact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contact := domain.UserID(args[0])
			ctx := cmd.Context()

			chat, cl, err := newChat(ctx, true)
			if err != nil {
				return err
			}
			defer cl.Close()

			if file != "" {
				k := domain.MessageKind(kind)
				if !domain.ValidKind(k) || k == domain.KindText {
					return fmt.Errorf("bad --kind %q (audio, image, video or file)", kind)
				}
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := chat.SendMedia(ctx, contact, k, f); err != nil {
					return err
				}
				fmt.Println("sent", file)
				return nil
			}

			if len(args) < 2 {
				return fmt.Errorf("message required (or use --file)")
			}
			if err := chat.SendText(ctx, contact, args[1]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "send this file as a sealed blob")
	cmd.Flags().StringVar(&kind, "kind", "file", "media kind for --file (audio, image, video, file)")
	return cmd
}

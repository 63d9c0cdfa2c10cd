package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"veilchat/internal/domain"
)

// history <contact>: fetch and decrypt the stored conversation.
func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <contact>",
		Short: "Show the decrypted conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contact := domain.UserID(args[0])
			ctx := cmd.Context()

			chat, cl, err := newChat(ctx, false)
			if err != nil {
				return err
			}

			msgs, err := cl.History(ctx, contact, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n",
					m.CreatedAt.Local().Format("2006-01-02 15:04"),
					m.SenderID,
					chat.OpenMessage(contact, m))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages to fetch (0 = all)")
	return cmd
}

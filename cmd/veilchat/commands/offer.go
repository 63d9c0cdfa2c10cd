package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/domain"
)

// offer <contact>: send a fresh key offer and wait for the answer.
func offerCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "offer <contact>",
		Short: "Offer a key exchange to a contact and wait for their answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contact := domain.UserID(args[0])

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			chat, cl, err := newChat(ctx, true)
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := chat.Offer(ctx, contact); err != nil {
				return err
			}
			fmt.Printf("offer sent to %s, waiting for answer...\n", contact)

			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("no answer from %s", contact)
				case ev, ok := <-cl.Events():
					if !ok {
						return fmt.Errorf("connection closed by relay")
					}
					line := chat.HandleEvent(ctx, ev)
					if ev.Type == domain.EvKeyResponse && ev.From == contact {
						fmt.Println(line)
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the answer")
	return cmd
}

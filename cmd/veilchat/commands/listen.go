package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"veilchat/internal/domain"
)

// listen: stay connected and print events as they arrive.
func listenCmd() *cobra.Command {
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the relay and print incoming events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			chat, cl, err := newChat(ctx, true)
			if err != nil {
				return err
			}
			defer cl.Close()

			fmt.Println("listening (ctrl-c to quit)")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-cl.Events():
					if !ok {
						return fmt.Errorf("connection closed by relay")
					}
					if line := chat.HandleEvent(ctx, ev); line != "" {
						fmt.Println(line)
					}
					if autoAccept && ev.Type == domain.EvKeyOffer {
						if err := chat.Accept(ctx, ev.From); err != nil {
							fmt.Println("! accept failed:", err)
						} else {
							fmt.Printf("* keys established with %s\n", ev.From)
						}
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept incoming key offers automatically")
	return cmd
}

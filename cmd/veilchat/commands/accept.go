package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/client"
	"veilchat/internal/domain"
)

// accept <contact>: wait for the contact's key offer and accept it.
func acceptCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "accept <contact>",
		Short: "Wait for a contact's key offer and accept it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return answerOffer(cmd.Context(), domain.UserID(args[0]), wait, true)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the offer")
	return cmd
}

// reject <contact>: wait for the contact's key offer and decline it.
func rejectCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "reject <contact>",
		Short: "Wait for a contact's key offer and decline it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return answerOffer(cmd.Context(), domain.UserID(args[0]), wait, false)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the offer")
	return cmd
}

func answerOffer(parent context.Context, contact domain.UserID, wait time.Duration, accept bool) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	chat, cl, err := newChat(ctx, true)
	if err != nil {
		return err
	}
	defer cl.Close()

	fmt.Printf("waiting for a key offer from %s...\n", contact)
	if err := awaitOffer(ctx, chat, cl, contact); err != nil {
		return err
	}

	if accept {
		if err := chat.Accept(ctx, contact); err != nil {
			return err
		}
		fmt.Printf("keys established with %s\n", contact)
		return nil
	}
	if err := chat.Reject(ctx, contact); err != nil {
		return err
	}
	fmt.Printf("declined key offer from %s\n", contact)
	return nil
}

func awaitOffer(ctx context.Context, chat *client.Chat, cl *client.Client, contact domain.UserID) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no key offer from %s", contact)
		case ev, ok := <-cl.Events():
			if !ok {
				return fmt.Errorf("connection closed by relay")
			}
			chat.HandleEvent(ctx, ev)
			if ev.Type == domain.EvKeyOffer && ev.From == contact {
				return nil
			}
		}
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"veilchat/internal/client"
	"veilchat/internal/client/keyring"
	"veilchat/internal/identity"
	"veilchat/internal/logging"
)

var (
	home       string
	passphrase string
	relayURL   string
	token      string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "veilchat",
		Short:         "End-to-end encrypted chat over a zero-knowledge relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".veilchat")
			}
			if token == "" {
				token = os.Getenv("VEILCHAT_TOKEN")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.veilchat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local keyring")
	root.PersistentFlags().StringVar(&relayURL, "relay", "http://127.0.0.1:8443", "relay base URL")
	root.PersistentFlags().StringVar(&token, "token", "", "identity token (or VEILCHAT_TOKEN)")

	root.AddCommand(tokenCmd(), listenCmd(), offerCmd(), acceptCmd(), rejectCmd(), sendCmd(), historyCmd())
	return root.Execute()
}

// newChat builds the client and chat layer for the current identity.
// The identity comes out of the (unverified here, verified by the
// relay) token claims.
func newChat(ctx context.Context, connect bool) (*client.Chat, *client.Client, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("identity token required (--token or VEILCHAT_TOKEN)")
	}
	if passphrase == "" {
		return nil, nil, fmt.Errorf("passphrase required (-p)")
	}
	claims, err := identity.Peek(token)
	if err != nil {
		return nil, nil, err
	}

	kr, err := keyring.New(home, passphrase)
	if err != nil {
		return nil, nil, err
	}

	cl := client.New(relayURL, token)
	if connect {
		if err := cl.Connect(ctx); err != nil {
			return nil, nil, err
		}
	}
	return client.NewChat(claims.UserID, cl, kr, logging.New("warn")), cl, nil
}

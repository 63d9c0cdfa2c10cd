package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/domain"
	"veilchat/internal/identity"
)

// token: mint an identity token with a relay signing key. Meant for
// operators and local development; production mints tokens wherever
// accounts live.
func tokenCmd() *cobra.Command {
	var (
		key  string
		id   string
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token (requires a relay signing key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := identity.NewSigner(key)
			if err != nil {
				return err
			}
			tok, err := signer.Mint(domain.UserID(id), name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "relay signing key")
	cmd.Flags().StringVar(&id, "id", "", "identity id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/keyring"
)

// KeyringCmd stores provider API keys in the OS keychain
func KeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Store provider API keys in the OS keychain",
		Long: `Provider keys in the keychain are used when config.yaml and the
environment leave a provider's api_key empty.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider>",
		Short: "Save a provider API key (read from stdin or prompted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !keyring.Available() {
				return fmt.Errorf("no OS keychain is available")
			}
			key, err := readPassword()
			if err != nil {
				return err
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := keyring.Set(args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Saved %s key to the keychain\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a provider API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keyring.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Removed %s key\n", args[0])
			return nil
		},
	})

	return cmd
}

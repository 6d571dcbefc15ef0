package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// APIKeyCmd mints API keys
func APIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var user, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; it is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			key, rec, err := store.CreateAPIKey(cmd.Context(), user, name)
			if err != nil {
				return err
			}
			fmt.Printf("API key %s (%s) for %s:\n\n  %s\n\nStore it now; it cannot be shown again.\n", rec.ID, rec.Name, user, key)
			return nil
		},
	}
	create.Flags().StringVarP(&user, "user", "u", defaultUser(), "user the key authenticates as")
	create.Flags().StringVar(&name, "name", "default", "label for the key")
	cmd.AddCommand(create)

	return cmd
}

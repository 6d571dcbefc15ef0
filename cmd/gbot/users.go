package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/omrylcn/gbot-sub000/internal/config"
)

// UsersCmd manages user accounts
func UsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tROLE\tPASSWORD\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.Name, u.Role, u.HasPassword, formatTime(&u.CreatedAt))
			}
			return tw.Flush()
		},
	})

	var name, role string
	var withPassword bool
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			roles, err := config.NewRoles(cfg.RolesFile)
			if err != nil {
				return err
			}
			if role == "" {
				role = roles.DefaultRole()
			}
			if _, err := roles.Resolve(role); err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}

			u, err := store.CreateUser(cmd.Context(), args[0], name, role)
			if err != nil {
				return err
			}
			if withPassword {
				pw, err := readPassword()
				if err != nil {
					return err
				}
				if err := store.SetPassword(cmd.Context(), u.ID, pw); err != nil {
					return err
				}
			}
			fmt.Printf("Added user %s (%s)\n", u.ID, u.Role)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name (default: the id)")
	add.Flags().StringVar(&role, "role", "", "role (default: the roles file default)")
	add.Flags().BoolVar(&withPassword, "password", false, "prompt for a login password")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user and everything they own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted user %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "passwd <id>",
		Short: "Set a user's login password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			pw, err := readPassword()
			if err != nil {
				return err
			}
			if err := store.SetPassword(cmd.Context(), args[0], pw); err != nil {
				return err
			}
			fmt.Printf("Password set for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "role <id> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			roles, err := config.NewRoles(cfg.RolesFile)
			if err != nil {
				return err
			}
			if _, err := roles.Resolve(args[1]); err != nil {
				return err
			}
			if err := store.SetUserRole(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}

// readPassword prompts without echo on a terminal, or reads a line from
// piped stdin
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(first), nil
}

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// RemindersCmd manages reminders
func RemindersCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Manage reminders",
	}
	cmd.PersistentFlags().StringVarP(&user, "user", "u", defaultUser(), "owner of the reminders")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := offlineScheduler(cfg, store).ListReminders(cmd.Context(), user)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No reminders.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tCHANNEL\tSTATUS\tMESSAGE")
			for _, r := range list {
				when := formatTime(&r.RunAt)
				if r.Recurring() {
					when = r.CronExpr
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, when, r.Channel, r.Status, truncate(r.Message, 50))
			}
			return tw.Flush()
		},
	})

	var spec scheduler.ReminderSpec
	add := &cobra.Command{
		Use:   "add <message>",
		Short: "Add a reminder",
		Long: `Add a one-shot reminder with --in, or a recurring one with --cron.

Examples:
  gbot reminders add "Stand up and stretch" --in 45m
  gbot reminders add "Water the plants" --cron "0 18 * * 1,4"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec.Delay <= 0 && spec.CronExpr == "" {
				return fmt.Errorf("one of --in or --cron is required")
			}
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			spec.UserID = user
			spec.Message = args[0]
			rem, err := offlineScheduler(cfg, store).AddReminder(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if rem.Recurring() {
				fmt.Printf("Added reminder %s (%s)\n", rem.ID, rem.CronExpr)
			} else {
				fmt.Printf("Added reminder %s for %s\n", rem.ID, rem.RunAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	add.Flags().DurationVar(&spec.Delay, "in", 0, "fire once after this delay, e.g. 30m")
	add.Flags().StringVar(&spec.CronExpr, "cron", "", "fire on this cron schedule")
	add.Flags().StringVar(&spec.Channel, "channel", "api", "channel that receives the reminder")
	add.Flags().StringVar(&spec.AgentPrompt, "prompt", "", "run an isolated agent with this system prompt")
	add.Flags().StringSliceVar(&spec.AgentTools, "tools", nil, "tools the isolated agent may use")
	add.Flags().StringVar(&spec.AgentModel, "model", "", "model override")
	add.Flags().StringVar(&spec.NotifyCondition, "notify", "", "always or notify_skip (stay quiet on skip markers)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := offlineScheduler(cfg, store).CancelReminder(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled reminder %s\n", args[0])
			return nil
		},
	})

	return cmd
}

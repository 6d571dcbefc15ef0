package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// JobsCmd manages recurring jobs
func JobsCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}
	cmd.PersistentFlags().StringVarP(&user, "user", "u", defaultUser(), "owner of the jobs")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := offlineScheduler(cfg, store).ListJobs(cmd.Context(), user)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCHEDULE\tCHANNEL\tENABLED\tFAILURES\tLAST RUN\tMESSAGE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
					j.ID, j.CronExpr, j.Channel, j.Enabled, j.ConsecutiveFailures, formatTime(j.LastRunAt), truncate(j.Message, 50))
			}
			return tw.Flush()
		},
	})

	var spec scheduler.JobSpec
	add := &cobra.Command{
		Use:   "add <cron> <message>",
		Short: "Add a recurring job",
		Long: `Add a recurring job. The schedule is a 5-field cron expression
(optionally with a leading seconds field) or a descriptor like @daily.

Example:
  gbot jobs add "0 8 * * *" "Summarize today's calendar" --prompt "You are a briefing agent" --tools web_search`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			spec.UserID = user
			spec.CronExpr = args[0]
			spec.Message = args[1]
			job, err := offlineScheduler(cfg, store).AddJob(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Added job %s (%s)\n", job.ID, job.CronExpr)
			return nil
		},
	}
	add.Flags().StringVar(&spec.Channel, "channel", "api", "channel that receives results")
	add.Flags().StringVar(&spec.AgentPrompt, "prompt", "", "run an isolated agent with this system prompt")
	add.Flags().StringSliceVar(&spec.AgentTools, "tools", nil, "tools the isolated agent may use")
	add.Flags().StringVar(&spec.AgentModel, "model", "", "model override, e.g. anthropic/claude-3-5-haiku-latest")
	add.Flags().StringVar(&spec.Processor, "processor", "", "agent or runner (default: full agent, or runner when --prompt is set)")
	add.Flags().StringVar(&spec.NotifyCondition, "notify", "", "always or notify_skip (stay quiet on skip markers)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := offlineScheduler(cfg, store).RemoveJob(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/server"
	"github.com/omrylcn/gbot-sub000/internal/svc"
)

// ServeCmd runs the HTTP API, WebSocket, scheduler and channels
func ServeCmd() *cobra.Command {
	var quiet bool
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svcCtx, err := svc.NewServiceContext(ctx, cfg, svc.Options{Version: Version})
			if err != nil {
				return err
			}
			defer svcCtx.Close()

			if err := svcCtx.Start(ctx); err != nil {
				return err
			}
			logging.Infof("[Serve] gbot %s, data in %s", Version, cfg.DataDir)

			serveErr := server.Run(ctx, svcCtx, server.Options{Quiet: quiet})

			if err := drain(svcCtx, drainTimeout); err != nil {
				logging.Warnf("[Serve] shutdown: %v", err)
			}
			if serveErr != nil {
				return fmt.Errorf("server: %w", serveErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not log every request")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long shutdown waits for background tasks")
	return cmd
}

// drain stops svcCtx and waits up to timeout for background work. It must
// run before the store closes.
func drain(svcCtx *svc.ServiceContext, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return svcCtx.Shutdown(ctx)
}

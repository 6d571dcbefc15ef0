package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/svc"
)

// ChannelCLI is the session channel of the chat REPL
const ChannelCLI = "cli"

// ChatCmd opens an interactive conversation, or answers one prompt
func ChatCmd() *cobra.Command {
	var user string
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the assistant",
		Long: `Chat with the assistant on the "cli" channel. With a prompt argument
gbot answers once and exits; without one it starts a REPL.

Type /new to close the current session and start a fresh one, /exit to quit.`,
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

			err = chat(ctx, svcCtx, user, args)
			if err := finishChat(svcCtx, drainTimeout); err != nil {
				logging.Warnf("[Chat] shutdown: %v", err)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", defaultUser(), "user to chat as")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 5*time.Minute, "how long to wait for delegated background tasks before exiting")
	return cmd
}

func chat(ctx context.Context, svcCtx *svc.ServiceContext, user string, args []string) error {
	if err := ensureLocalUser(ctx, svcCtx.DB, user); err != nil {
		return err
	}
	if len(args) > 0 {
		reply, _, err := svcCtx.Chat(ctx, user, ChannelCLI, strings.Join(args, " "), "")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}
	return repl(ctx, svcCtx, user)
}

// finishChat lets background tasks delegated during the conversation
// finish and record their results before the store is closed
func finishChat(svcCtx *svc.ServiceContext, timeout time.Duration) error {
	if st := svcCtx.Lanes.Stats()[agenthub.LaneBackground]; st.Queued+st.Active > 0 {
		fmt.Fprintf(os.Stderr, "waiting for %d background task(s)...\n", st.Queued+st.Active)
	}
	return drain(svcCtx, timeout)
}

// ensureLocalUser creates the CLI user on first use. Whoever runs the CLI
// owns the data directory, so the user gets the owner role.
func ensureLocalUser(ctx context.Context, store *db.Store, user string) error {
	_, err := store.GetUser(ctx, user)
	if errors.Is(err, db.ErrNotFound) {
		_, err = store.CreateUser(ctx, user, user, "owner")
	}
	return err
}

func repl(ctx context.Context, svcCtx *svc.ServiceContext, user string) error {
	fmt.Printf("gbot %s - chatting as %s. /new starts a new session, /exit quits.\n", Version, user)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	sessionID := ""

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			if sessionID != "" {
				if _, err := svcCtx.Orchestrator.CloseSession(ctx, user, sessionID); err != nil {
					fmt.Fprintf(os.Stderr, "close session: %v\n", err)
				}
				sessionID = ""
			}
			fmt.Println("Started a new session.")
			continue
		}

		reply, sid, err := svcCtx.Chat(ctx, user, ChannelCLI, line, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		sessionID = sid
		fmt.Printf("\n%s\n", reply)
	}
}

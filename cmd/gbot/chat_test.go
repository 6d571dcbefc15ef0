package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/delegation"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/svc"
)

// gatedProvider replies once gate is closed
type gatedProvider struct{ gate chan struct{} }

func (p gatedProvider) ID() string { return "gated" }

func (p gatedProvider) Stream(ctx context.Context, _ *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ch := make(chan ai.StreamEvent, 3)
	ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: "three flights found"}
	ch <- ai.StreamEvent{Type: ai.EventTypeUsage, Usage: &session.Usage{TotalTokens: 5}}
	ch <- ai.StreamEvent{Type: ai.EventTypeDone}
	close(ch)
	return ch, nil
}

func TestFinishChatWaitsForBackgroundTasks(t *testing.T) {
	logging.Disable()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SkillsDir = filepath.Join(dir, "skills")
	cfg.RolesFile = filepath.Join(dir, "roles.yaml")
	cfg.IdentityFile = filepath.Join(dir, "IDENTITY.md")
	cfg.Tools.Workspace = filepath.Join(dir, "workspace")

	store, err := db.NewSQLite(filepath.Join(dir, "gbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	gate := make(chan struct{})
	svcCtx, err := svc.NewServiceContext(ctx, cfg, svc.Options{Version: "test", Provider: gatedProvider{gate: gate}, Store: store})
	require.NoError(t, err)
	require.NoError(t, ensureLocalUser(ctx, store, "ada"))

	id, err := svcCtx.Worker.Spawn(ctx, delegation.SpawnRequest{UserID: "ada", Channel: ChannelCLI, Task: "find flights"})
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, func() { close(gate) })
	require.NoError(t, finishChat(svcCtx, 5*time.Second))

	task, err := store.GetBackgroundTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCompleted, task.Status)
	assert.Equal(t, "three flights found", task.Result)

	// no channel sender for cli, so the result waits as a system event
	events, err := store.ConsumeEvents(ctx, "ada")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task_completed", events[0].EventType)
}

// Package orchestrator runs full-agent conversation turns: it resolves the
// session, assembles the prompt, drives the state machine, persists the
// result and rotates sessions that outgrow their token budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/memory"
	"github.com/omrylcn/gbot-sub000/internal/agent/prompt"
	"github.com/omrylcn/gbot-sub000/internal/agent/runner"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// ErrEmptyMessage is returned for a blank user message
var ErrEmptyMessage = errors.New("empty message")

// ContextBuilder assembles the system prompt for a user
type ContextBuilder interface {
	Build(ctx context.Context, userID string, opts ...prompt.Option) (string, error)
}

// Orchestrator is the full agent
type Orchestrator struct {
	store     *db.Store
	provider  ai.Provider
	assembler ContextBuilder
	roles     *config.Roles
	registry  *tools.Registry
	rotator   *Rotator
	cfg       config.AgentConfig

	locks sync.Map // "user\x00channel" -> *sync.Mutex
}

// New creates an orchestrator. Summarization and fact extraction during
// rotation use the same provider as conversation turns.
func New(store *db.Store, provider ai.Provider, assembler ContextBuilder, roles *config.Roles, registry *tools.Registry, cfg config.AgentConfig) *Orchestrator {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	rotator := NewRotator(store,
		memory.NewSummarizer(provider).WithModel(cfg.Model),
		memory.NewExtractor(provider).WithModel(cfg.Model))
	return &Orchestrator{
		store:     store,
		provider:  provider,
		assembler: assembler,
		roles:     roles,
		registry:  registry,
		rotator:   rotator,
		cfg:       cfg,
	}
}

// Rotator returns the rotator used on token-limit and manual closes
func (o *Orchestrator) Rotator() *Rotator {
	return o.rotator
}

// lock serializes turns on one (user, channel) pair
func (o *Orchestrator) lock(userID, channel string) func() {
	v, _ := o.locks.LoadOrStore(userID+"\x00"+channel, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Process runs one conversation turn and returns the reply and the id of
// the session it was recorded in. Provider failures come back as reply text.
func (o *Orchestrator) Process(ctx context.Context, userID, channel, message, sessionID string) (string, string, error) {
	if strings.TrimSpace(message) == "" {
		return "", sessionID, ErrEmptyMessage
	}
	unlock := o.lock(userID, channel)
	defer unlock()

	sess, err := o.resolveSession(ctx, userID, channel, sessionID)
	if err != nil {
		return "", "", err
	}

	rows, err := o.store.GetMessages(ctx, sess.ID)
	if err != nil {
		return "", sess.ID, fmt.Errorf("load history: %w", err)
	}
	userMsg := session.UserMessage{Content: message}
	history := append(session.FromRows(rows), userMsg)

	role := o.userRole(ctx, userID)
	registry := o.toolsFor(role)

	loader := runner.ContextLoaderFunc(func(ctx context.Context) (string, error) {
		if o.assembler == nil {
			return "", nil
		}
		return o.assembler.Build(ctx, userID, prompt.WithRole(role), prompt.WithChannel(channel))
	})

	callCtx := tools.WithCallContext(ctx, tools.CallContext{UserID: userID, Channel: channel, SessionID: sess.ID})
	machine := runner.NewMachine(o.provider, o.cfg.Temperature, o.cfg.MaxTokens)
	out, err := machine.Run(callCtx, runner.Input{
		History: history,
		Tools:   registry,
		Model:   o.cfg.Model,
		Ceiling: o.cfg.MaxIterations,
		Tokens:  sess.TokenCount,
		Loader:  loader,
	})
	if err != nil {
		return "", sess.ID, err
	}

	if err := o.persist(ctx, sess.ID, userMsg, out.Messages); err != nil {
		return "", sess.ID, err
	}

	total, err := o.store.AddSessionTokens(ctx, sess.ID, out.Tokens-sess.TokenCount)
	if err != nil {
		return "", sess.ID, fmt.Errorf("update tokens: %w", err)
	}

	if limit := o.cfg.SessionTokenLimit; limit > 0 && total >= limit {
		logging.Infof("[Orchestrator] session %s reached %d/%d tokens, rotating", sess.ID, total, limit)
		if _, err := o.rotator.Rotate(ctx, sess.ID, db.CloseReasonTokenLimit); err != nil {
			logging.Errorf("[Orchestrator] rotate session %s: %v", sess.ID, err)
		}
	}

	return out.Text, sess.ID, nil
}

// persist stores the user message first, then the new turns in order
func (o *Orchestrator) persist(ctx context.Context, sessionID string, user session.UserMessage, produced []session.Message) error {
	rows := make([]*db.Message, 0, len(produced)+1)
	for _, m := range append([]session.Message{user}, produced...) {
		row, err := session.ToRow(sessionID, m)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := o.store.AppendMessages(ctx, sessionID, rows); err != nil {
		return fmt.Errorf("persist messages: %w", err)
	}
	return nil
}

// resolveSession returns the session a turn should be recorded in. A
// requested id is honored only while it is open and belongs to the same
// user and channel; anything else falls through to the active session.
func (o *Orchestrator) resolveSession(ctx context.Context, userID, channel, sessionID string) (*db.Session, error) {
	if sessionID != "" {
		sess, err := o.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && sess.Active() && sess.UserID == userID && sess.Channel == channel:
			return sess, nil
		case err == nil && !sess.Active():
			logging.Infof("[Orchestrator] session %s is closed, starting a new one", sessionID)
		case err == nil || errors.Is(err, db.ErrNotFound):
			logging.Warnf("[Orchestrator] session %s not usable by %s/%s, redirecting", sessionID, userID, channel)
		default:
			return nil, err
		}
	}

	sess, err := o.store.GetActiveSession(ctx, userID, channel)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	sess, err = o.store.CreateSession(ctx, userID, channel)
	if errors.Is(err, db.ErrConflict) {
		return o.store.GetActiveSession(ctx, userID, channel)
	}
	return sess, err
}

func (o *Orchestrator) userRole(ctx context.Context, userID string) string {
	u, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Role
}

// toolsFor narrows the registry to the groups the role allows. An unknown
// role gets no tools.
func (o *Orchestrator) toolsFor(role string) *tools.Registry {
	if o.roles == nil {
		return o.registry
	}
	policy, err := o.roles.Resolve(role)
	if err != nil {
		logging.Warnf("[Orchestrator] %v, running without tools", err)
		return tools.NewRegistry()
	}
	return o.registry.Filter(func(t tools.Tool) bool {
		return policy.AllowsGroup(string(t.Group()))
	})
}

// CloseSession ends a user's session manually, summarizing it first
func (o *Orchestrator) CloseSession(ctx context.Context, userID, sessionID string) (string, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.UserID != userID {
		return "", fmt.Errorf("session %s: %w", sessionID, db.ErrNotFound)
	}

	unlock := o.lock(sess.UserID, sess.Channel)
	defer unlock()

	if sess, err = o.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	if !sess.Active() {
		return "", fmt.Errorf("session %s: %w", sessionID, db.ErrSessionClosed)
	}
	return o.rotator.Rotate(ctx, sessionID, db.CloseReasonManual)
}

// History returns a session's messages in order
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := o.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.FromRows(rows), nil
}

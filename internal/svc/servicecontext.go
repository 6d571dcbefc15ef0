package svc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/mcp"
	"github.com/omrylcn/gbot-sub000/internal/agent/orchestrator"
	"github.com/omrylcn/gbot-sub000/internal/agent/prompt"
	"github.com/omrylcn/gbot-sub000/internal/agent/runner"
	"github.com/omrylcn/gbot-sub000/internal/agent/skills"
	"github.com/omrylcn/gbot-sub000/internal/agent/tools"
	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/channels"
	"github.com/omrylcn/gbot-sub000/internal/channels/mqtt"
	"github.com/omrylcn/gbot-sub000/internal/channels/telegram"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/delegation"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/notify"
	"github.com/omrylcn/gbot-sub000/internal/realtime"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// ChannelWS is the session channel of WebSocket chat frames
const ChannelWS = "ws"

// Options overrides collaborators, mainly for tests
type Options struct {
	Version  string
	Provider ai.Provider     // default: ai.NewFromConfig
	Timer    scheduler.Timer // default: a robfig/cron timer in local time
	Store    *db.Store       // default: the SQLite file under the data dir
}

// ServiceContext owns every long-lived component of a gbot process
type ServiceContext struct {
	Config  *config.Config
	Version string

	DB     *db.Store
	Roles  *config.Roles
	Tokens *middleware.Tokens
	Auth   *middleware.Authenticator

	Provider     ai.Provider
	Lanes        *agenthub.LaneManager
	Hub          *realtime.Hub
	Deliverer    *notify.Deliverer
	Registry     *tools.Registry
	Skills       *skills.Loader
	Orchestrator *orchestrator.Orchestrator
	Isolated     *runner.Isolated
	Scheduler    *scheduler.Scheduler
	Worker       *delegation.Worker
	Delegation   *delegation.Service
	MCP          *mcp.Server
	Channels     *channels.Manager

	ownsStore bool
}

// NewServiceContext builds the component graph. Nothing is started; call
// Start to run the scheduler, skills watcher and channels.
func NewServiceContext(ctx context.Context, cfg *config.Config, opts Options) (*ServiceContext, error) {
	s := &ServiceContext{Config: cfg, Version: opts.Version}
	if s.Version == "" {
		s.Version = "dev"
	}

	var err error
	if s.Roles, err = config.NewRoles(cfg.RolesFile); err != nil {
		return nil, err
	}

	s.DB = opts.Store
	if s.DB == nil {
		if s.DB, err = db.NewSQLite(cfg.DBPath()); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.ownsStore = true
	}

	if cfg.Server.JWTSecret != "" {
		if s.Tokens, err = middleware.NewTokens(cfg.Server.JWTSecret, cfg.Server.TokenTTL); err != nil {
			s.Close()
			return nil, err
		}
	} else {
		logging.Warnf("[Service] server.jwt_secret is empty, only API keys are accepted")
	}
	s.Auth = middleware.NewAuthenticator(s.Tokens, s.DB)

	s.Provider = opts.Provider
	if s.Provider == nil {
		if s.Provider, err = ai.NewFromConfig(ctx, cfg); err != nil {
			s.Close()
			return nil, fmt.Errorf("provider: %w", err)
		}
	}
	router := ai.NewRouterFromConfig(ctx, cfg, s.Provider)

	s.Lanes = agenthub.NewLaneManager()
	s.Hub = realtime.NewHub()
	s.Deliverer = notify.NewDeliverer(s.DB, s.Hub)

	timer := opts.Timer
	if timer == nil {
		timer = scheduler.NewCronTimer(time.Local)
	}
	s.Scheduler = scheduler.New(s.DB, timer, s.Deliverer, cfg.Scheduler)
	s.Scheduler.SetLanes(s.Lanes)

	// tools come first: the planner's catalog is read from the registry
	s.Registry = tools.NewRegistry()
	tools.NewBuilder(s.DB, cfg.Tools).
		WithScheduler(s.Scheduler).
		WithDelegator(s).
		RegisterAll(s.Registry)

	s.Isolated = runner.NewIsolated(router, s.Registry, cfg.Agent)
	s.Scheduler.SetIsolated(scheduler.IsolatedFunc(s.runIsolated))

	s.Skills = skills.NewLoader(cfg.SkillsDir)
	if err := s.Skills.LoadAll(); err != nil {
		logging.Warnf("[Service] skills not loaded: %v", err)
	}
	assembler := prompt.NewAssembler(s.DB, s.Roles, s.Skills, cfg)
	s.Orchestrator = orchestrator.New(s.DB, s.Provider, assembler, s.Roles, s.Registry, cfg.Agent)
	s.Scheduler.SetAgent(s.Orchestrator)

	s.Worker = delegation.NewWorker(s.DB, s.Isolated, s.Lanes, s.Deliverer, cfg.Background.MaxConcurrent)
	planner := delegation.NewPlanner(s.Provider, delegation.Catalog(s.Registry)).WithModel(cfg.Agent.Model)
	s.Delegation = delegation.NewService(s.DB, planner, s.Worker, s.Scheduler)

	s.Hub.SetChatHandler(func(ctx context.Context, userID, message, sessionID string) (string, string, error) {
		return s.Chat(ctx, userID, ChannelWS, message, sessionID)
	})
	s.Hub.SetEventsHandler(s.DB.ConsumeEvents)

	s.MCP = mcp.NewServer(s.Registry, s.Version)
	s.Channels = channels.NewManager()
	return s, nil
}

// runIsolated adapts the isolated agent to scheduler jobs
func (s *ServiceContext) runIsolated(ctx context.Context, t scheduler.AgentTask) (string, int, error) {
	res, err := s.Isolated.RunTask(ctx, runner.Task{
		Prompt:  t.Prompt,
		Task:    t.Task,
		Tools:   t.Tools,
		Model:   t.Model,
		UserID:  t.UserID,
		Channel: t.Channel,
	})
	if res == nil {
		return "", 0, err
	}
	return res.Text, res.Tokens, err
}

// DelegateTask lets the delegate tool reach the delegation service, which
// is built after the tool registry
func (s *ServiceContext) DelegateTask(ctx context.Context, userID, channel, task string) (string, error) {
	if s.Delegation == nil {
		return "", errors.New("delegation is not ready")
	}
	return s.Delegation.DelegateTask(ctx, userID, channel, task)
}

// Chat runs one interactive turn on the main lane
func (s *ServiceContext) Chat(ctx context.Context, userID, channel, message, sessionID string) (string, string, error) {
	var reply, sid string
	err := s.Lanes.Enqueue(ctx, agenthub.LaneMain, func(ctx context.Context) error {
		var err error
		reply, sid, err = s.Orchestrator.Process(ctx, userID, channel, message, sessionID)
		return err
	}, agenthub.WithDescription("chat "+userID+"/"+channel))
	return reply, sid, err
}

// Process makes the service context usable wherever a channels.Chatter is
// expected, routing turns through the main lane
func (s *ServiceContext) Process(ctx context.Context, userID, channel, message, sessionID string) (string, string, error) {
	return s.Chat(ctx, userID, channel, message, sessionID)
}

// Start runs the scheduler, the skills watcher and the configured channels
func (s *ServiceContext) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := s.Skills.Watch(ctx); err != nil {
		logging.Warnf("[Service] skills watcher: %v", err)
	}

	var chans []channels.Channel
	if c := s.Config.Channels.Telegram; c.Enabled {
		chans = append(chans, telegram.New(c.Token, s.DB, s, s.Roles.DefaultRole()))
	}
	if c := s.Config.Channels.MQTT; c.Enabled {
		chans = append(chans, mqtt.New(c))
	}
	s.Channels.Start(ctx, s.Deliverer, chans...)
	return nil
}

// Shutdown drains background work and stops every started component
func (s *ServiceContext) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Channels.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("channels: %w", err))
	}

	stopped := s.Scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduler: %w", ctx.Err()))
	}

	if err := s.Worker.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("background worker: %w", err))
	}
	if err := s.Lanes.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lanes: %w", err))
	}
	s.Lanes.Shutdown()
	s.Skills.Stop()
	s.Hub.Close()
	return errors.Join(errs...)
}

// Close releases the store when the context opened it
func (s *ServiceContext) Close() error {
	if s.ownsStore && s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

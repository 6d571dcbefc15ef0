package tools

import (
	"os"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Builder constructs the concrete tools, handing each one only the
// collaborators it uses. Tools whose collaborator is missing are skipped.
type Builder struct {
	store     *db.Store
	cfg       config.ToolsConfig
	sched     Scheduler
	delegator Delegator

	allowPrivateFetch bool
}

// NewBuilder creates a builder over the store and tool settings
func NewBuilder(store *db.Store, cfg config.ToolsConfig) *Builder {
	return &Builder{store: store, cfg: cfg}
}

// WithScheduler enables the scheduling tools
func (b *Builder) WithScheduler(s Scheduler) *Builder {
	b.sched = s
	return b
}

// WithDelegator enables the delegate tool
func (b *Builder) WithDelegator(d Delegator) *Builder {
	b.delegator = d
	return b
}

// Build returns every tool the builder can construct
func (b *Builder) Build() []Tool {
	var list []Tool

	if b.store != nil {
		list = append(list,
			&SaveMemoryTool{store: b.store},
			&RecallMemoryTool{store: b.store},
			&AddNoteTool{store: b.store},
			&SetPreferenceTool{store: b.store},
		)
	}

	if b.sched != nil {
		list = append(list,
			&AddCronJobTool{sched: b.sched},
			&ListCronJobsTool{sched: b.sched},
			&RemoveCronJobTool{sched: b.sched},
			&AddReminderTool{sched: b.sched},
			&ListRemindersTool{sched: b.sched},
			&CancelReminderTool{sched: b.sched},
		)
	}

	if b.delegator != nil {
		list = append(list, &DelegateTool{delegator: b.delegator})
	}

	client := newFetchClient(b.cfg.FetchTimeout, b.allowPrivateFetch)
	maxBytes := b.cfg.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	list = append(list, &WebFetchTool{client: client, maxBytes: maxBytes})
	if b.cfg.SearchURL != "" {
		list = append(list, &WebSearchTool{client: client, searchURL: b.cfg.SearchURL})
	}

	if b.cfg.Workspace != "" {
		shellTimeout := b.cfg.ShellTimeout
		if shellTimeout <= 0 {
			shellTimeout = 30 * time.Second
		}
		if err := os.MkdirAll(b.cfg.Workspace, 0o755); err != nil {
			logging.Warnf("[Tools] workspace %s unavailable, shell and file tools disabled: %v", b.cfg.Workspace, err)
		} else {
			list = append(list,
				&ShellTool{workspace: b.cfg.Workspace, timeout: shellTimeout},
				&ReadFileTool{workspace: b.cfg.Workspace},
				&WriteFileTool{workspace: b.cfg.Workspace},
				&ListDirTool{workspace: b.cfg.Workspace},
			)
		}
	}

	return list
}

// RegisterAll builds the tools into r
func (b *Builder) RegisterAll(r *Registry) {
	tools := b.Build()
	for _, t := range tools {
		r.Register(t)
	}
	logging.Infof("[Tools] registered %d tools", len(tools))
}

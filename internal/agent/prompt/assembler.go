// Package prompt assembles the layered system prompt of the full agent.
package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/omrylcn/gbot-sub000/internal/agent/skills"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/defaults"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Layer names, in assembly order
const (
	LayerIdentity      = "identity"
	LayerRole          = "role"
	LayerMemory        = "memory"
	LayerUser          = "user"
	LayerPrevious      = "previous"
	LayerSkills        = "skills"
	LayerNotifications = "notifications"
)

const (
	recentNotes      = 10
	truncationMarker = "\n[...]"
	defaultIdentity  = "You are gbot, a personal assistant. You are concise, accurate and friendly."
	layerSeparator   = "\n\n---\n\n"
)

// SkillSource lists the skills offered to the model
type SkillSource interface {
	Enabled() []*skills.Skill
}

// Assembler builds the system prompt from independent layers. Each layer is
// truncated to its own token budget; empty layers are omitted.
type Assembler struct {
	store        *db.Store
	roles        *config.Roles
	skills       SkillSource
	identityFile string
	budgets      config.ContextBudgets
	now          func() time.Time
}

// NewAssembler creates an assembler. skills may be nil.
func NewAssembler(store *db.Store, roles *config.Roles, skills SkillSource, cfg *config.Config) *Assembler {
	return &Assembler{
		store:        store,
		roles:        roles,
		skills:       skills,
		identityFile: cfg.IdentityFile,
		budgets:      cfg.Agent.Budgets,
		now:          time.Now,
	}
}

type buildOptions struct {
	role    string
	channel string
}

// Option customizes a Build call
type Option func(*buildOptions)

// WithRole renders the role layer for role instead of the user's stored role
func WithRole(role string) Option {
	return func(o *buildOptions) { o.role = role }
}

// WithChannel selects the channel whose previous conversation is recalled
func WithChannel(channel string) Option {
	return func(o *buildOptions) { o.channel = channel }
}

type layer struct {
	name   string
	budget int
	render func(ctx context.Context, userID string, o *buildOptions) (string, error)
}

func (a *Assembler) layers() []layer {
	return []layer{
		{LayerIdentity, a.budgets.Identity, a.identity},
		{LayerRole, a.budgets.Role, a.role},
		{LayerMemory, a.budgets.Memory, a.memory},
		{LayerUser, a.budgets.User, a.userContext},
		{LayerPrevious, a.budgets.Previous, a.previous},
		{LayerSkills, a.budgets.Skills, a.skillsLayer},
		{LayerNotifications, a.budgets.Notifications, a.notifications},
	}
}

// Build assembles the system prompt for userID. Pending system events are
// consumed by the notifications layer. An unknown role is an error; a
// failing layer is logged and left out.
func (a *Assembler) Build(ctx context.Context, userID string, opts ...Option) (string, error) {
	o := &buildOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var parts []string
	for _, l := range a.layers() {
		text, err := l.render(ctx, userID, o)
		if err != nil {
			if errors.Is(err, config.ErrUnknownRole) {
				return "", err
			}
			logging.Warnf("[Prompt] %s layer failed for %s: %v", l.name, userID, err)
			continue
		}
		text = Truncate(strings.TrimSpace(text), l.budget)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, layerSeparator), nil
}

// EstimateTokens approximates the token count of text as characters / 4
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Truncate cuts text to roughly budget tokens. A budget <= 0 means unlimited.
func Truncate(text string, budget int) string {
	if budget <= 0 || EstimateTokens(text) <= budget {
		return text
	}
	limit := budget*4 - utf8.RuneCountInString(truncationMarker)
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)[:limit]
	// prefer a line boundary when one is near; positions count runes
	for i := len(runes) - 1; i > limit/2; i-- {
		if runes[i] == '\n' {
			runes = runes[:i]
			break
		}
	}
	return strings.TrimRight(string(runes), " \n") + truncationMarker
}

func (a *Assembler) identity(ctx context.Context, userID string, o *buildOptions) (string, error) {
	text := defaultIdentity
	if data, err := os.ReadFile(a.identityFile); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		text = string(data)
	} else if data, err := defaults.GetDefault("IDENTITY.md"); err == nil {
		text = string(data)
	}
	return strings.TrimSpace(text) + "\n\nCurrent time: " + a.now().Format("Monday, 2006-01-02 15:04 MST"), nil
}

func (a *Assembler) role(ctx context.Context, userID string, o *buildOptions) (string, error) {
	if a.roles == nil {
		return "", nil
	}
	name := o.role
	if name == "" {
		if u, err := a.store.GetUser(ctx, userID); err == nil {
			name = u.Role
		}
	}
	policy, err := a.roles.Resolve(name)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Your Access\n\nThe user has the %q role.", policy.Name)
	if policy.Description != "" {
		b.WriteString(" " + policy.Description)
	}
	if len(policy.ToolGroups) > 0 {
		groups := policy.ToolGroups
		if policy.AllowsGroup(config.AllGroups) {
			groups = []string{"all"}
		}
		fmt.Fprintf(&b, "\nAllowed tool groups: %s.", strings.Join(groups, ", "))
	}
	return b.String(), nil
}

func (a *Assembler) memory(ctx context.Context, userID string, o *buildOptions) (string, error) {
	entries, err := a.store.ListMemory(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("# Remembered Facts\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n- %s: %s", e.Key, e.Content)
	}
	return b.String(), nil
}

func (a *Assembler) userContext(ctx context.Context, userID string, o *buildOptions) (string, error) {
	var lines []string

	if u, err := a.store.GetUser(ctx, userID); err == nil && u.Name != "" {
		lines = append(lines, "Name: "+u.Name)
	} else if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	prefs, err := a.store.GetPreferences(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(prefs) > 0 {
		keys := make([]string, 0, len(prefs))
		for k := range prefs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines = append(lines, "Preferences:")
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, prefs[k]))
		}
	}

	notes, err := a.store.ListNotes(ctx, userID, recentNotes)
	if err != nil {
		return "", err
	}
	if len(notes) > 0 {
		lines = append(lines, "Recent notes:")
		for _, n := range notes {
			lines = append(lines, "- "+n.Content)
		}
	}

	if len(lines) == 0 {
		return "", nil
	}
	return "# User Information\n\n" + strings.Join(lines, "\n"), nil
}

func (a *Assembler) previous(ctx context.Context, userID string, o *buildOptions) (string, error) {
	if o.channel == "" {
		return "", nil
	}
	summary, err := a.store.LatestClosedSummary(ctx, userID, o.channel)
	if err != nil || summary == "" {
		return "", err
	}
	return "# Previous Conversation\n\n" + summary, nil
}

func (a *Assembler) skillsLayer(ctx context.Context, userID string, o *buildOptions) (string, error) {
	if a.skills == nil {
		return "", nil
	}
	enabled := a.skills.Enabled()
	if len(enabled) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("# Skills")
	for _, s := range enabled {
		fmt.Fprintf(&b, "\n\n## %s\n%s\n\n%s", s.Name, s.Description, s.Body)
	}
	return b.String(), nil
}

func (a *Assembler) notifications(ctx context.Context, userID string, o *buildOptions) (string, error) {
	events, err := a.store.ConsumeEvents(ctx, userID)
	if err != nil || len(events) == 0 {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# Notifications\n\nThese arrived while the user was away. Mention them if relevant.\n")
	for _, e := range events {
		fmt.Fprintf(&b, "\n- [%s] %s", e.Source, EventText(e))
	}
	return b.String(), nil
}

// EventText extracts a readable line from an event payload
func EventText(e db.SystemEvent) string {
	var payload map[string]any
	if json.Unmarshal(e.Payload, &payload) == nil {
		for _, k := range []string{"text", "message", "result"} {
			if s, ok := payload[k].(string); ok && s != "" {
				return s
			}
		}
	}
	if len(e.Payload) > 0 {
		return string(e.Payload)
	}
	return e.EventType
}

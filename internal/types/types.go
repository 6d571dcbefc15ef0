package types

import (
	"time"

	"github.com/omrylcn/gbot-sub000/internal/agenthub"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/delegation"
)

type HealthResponse struct {
	Status   string                        `json:"status"`
	Version  string                        `json:"version"`
	Clients  int                           `json:"clients"`
	Channels []string                      `json:"channels"`
	Lanes    map[string]agenthub.LaneStats `json:"lanes"`
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
}

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Format    string `json:"format,omitempty"` // "html" adds a rendered copy
}

type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	HTML      string `json:"html,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []db.Session `json:"sessions"`
}

type SessionRequest struct {
	ID string `path:"id"`
}

type SessionMessagesResponse struct {
	SessionID string       `json:"session_id"`
	Messages  []db.Message `json:"messages"`
}

type CloseSessionResponse struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

type CreateJobRequest struct {
	CronExpr  string   `json:"cron_expr"`
	Message   string   `json:"message"`
	Channel   string   `json:"channel,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model,omitempty"`
	Processor string   `json:"processor,omitempty"`
	Notify    string   `json:"notify,omitempty"`
}

type ListJobsResponse struct {
	Jobs []db.CronJob `json:"jobs"`
}

type JobRequest struct {
	ID string `path:"id"`
}

type JobLogsResponse struct {
	Logs []db.ExecutionLog `json:"logs"`
}

type CreateReminderRequest struct {
	Message      string   `json:"message"`
	Channel      string   `json:"channel,omitempty"`
	DelaySeconds int      `json:"delay_seconds"`
	CronExpr     string   `json:"cron_expr,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	Notify       string   `json:"notify,omitempty"`
}

type ListRemindersResponse struct {
	Reminders []db.Reminder `json:"reminders"`
}

type EventsResponse struct {
	Events []db.SystemEvent `json:"events"`
}

type DelegateRequest struct {
	Task    string `json:"task"`
	Channel string `json:"channel,omitempty"`
}

type DelegateResponse struct {
	Decision *delegation.Decision `json:"decision"`
	Summary  string               `json:"summary"`
}

type ListTasksResponse struct {
	Tasks []db.BackgroundTask `json:"tasks"`
}

type ListMemoryResponse struct {
	Entries []db.MemoryEntry `json:"entries"`
}

type MemoryKeyRequest struct {
	Key string `path:"key"`
}

type SetMemoryRequest struct {
	Key     string `path:"key"`
	Content string `json:"content"`
}

type ListFavoritesResponse struct {
	Favorites []db.Favorite `json:"favorites"`
}

type FavoriteRequest struct {
	ID int64 `path:"id"`
}

type CreateFavoriteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

type CreateAPIKeyResponse struct {
	Key    string     `json:"key"` // shown once
	APIKey *db.APIKey `json:"api_key"`
}

type CreateUserRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Password string `json:"password,omitempty"`
}

type UserRequest struct {
	ID string `path:"id"`
}

type ReloadRolesResponse struct {
	Roles []string `json:"roles"`
}

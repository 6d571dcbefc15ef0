package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/omrylcn/gbot-sub000/internal/handler"
	"github.com/omrylcn/gbot-sub000/internal/handler/auth"
	"github.com/omrylcn/gbot-sub000/internal/handler/chat"
	"github.com/omrylcn/gbot-sub000/internal/handler/memory"
	"github.com/omrylcn/gbot-sub000/internal/handler/notification"
	"github.com/omrylcn/gbot-sub000/internal/handler/tasks"
	"github.com/omrylcn/gbot-sub000/internal/handler/user"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
)

// Options tunes the HTTP server
type Options struct {
	Quiet bool // no request logging
}

// NewRouter builds the chi router for every HTTP surface
func NewRouter(svcCtx *svc.ServiceContext, opts Options) http.Handler {
	r := chi.NewRouter()

	if !opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware(svcCtx.Config.Server.CORSOrigins))

	r.Get("/health", handler.HealthCheckHandler(svcCtx))

	rl := svcCtx.Config.Server.RateLimit
	limiter := middleware.NewRateLimiter(rl.RPS, rl.Burst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Handler)

		r.Post("/auth/login", auth.LoginHandler(svcCtx))

		r.Group(func(r chi.Router) {
			r.Use(svcCtx.Auth.Middleware)
			registerProtectedRoutes(r, svcCtx)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin(svcCtx.Roles))
				registerAdminRoutes(r, svcCtx)
			})
		})
	})

	r.With(svcCtx.Auth.QueryMiddleware).Get("/ws", websocketHandler(svcCtx))

	mcpHandler := svcCtx.MCP.Handler(func(req *http.Request) (string, bool) {
		id, err := svcCtx.Auth.Identify(req, false)
		return id.UserID, err == nil
	})
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	return r
}

func registerProtectedRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	// Chat and sessions
	r.Post("/chat", chat.SendMessageHandler(svcCtx))
	r.Get("/sessions", chat.ListSessionsHandler(svcCtx))
	r.Get("/sessions/{id}/messages", chat.GetSessionMessagesHandler(svcCtx))
	r.Post("/sessions/{id}/close", chat.CloseSessionHandler(svcCtx))

	// Scheduled jobs
	r.Get("/jobs", tasks.ListJobsHandler(svcCtx))
	r.Post("/jobs", tasks.CreateJobHandler(svcCtx))
	r.Delete("/jobs/{id}", tasks.DeleteJobHandler(svcCtx))
	r.Post("/jobs/{id}/pause", tasks.PauseJobHandler(svcCtx))
	r.Post("/jobs/{id}/resume", tasks.ResumeJobHandler(svcCtx))
	r.Post("/jobs/{id}/run", tasks.RunJobHandler(svcCtx))
	r.Get("/jobs/{id}/logs", tasks.JobLogsHandler(svcCtx))

	// Reminders
	r.Get("/reminders", tasks.ListRemindersHandler(svcCtx))
	r.Post("/reminders", tasks.CreateReminderHandler(svcCtx))
	r.Delete("/reminders/{id}", tasks.CancelReminderHandler(svcCtx))

	// Delegation and background tasks
	r.Post("/delegate", tasks.DelegateHandler(svcCtx))
	r.Get("/tasks", tasks.ListTasksHandler(svcCtx))
	r.Get("/tasks/{id}", tasks.GetTaskHandler(svcCtx))

	r.Get("/events", notification.ConsumeEventsHandler(svcCtx))

	// Memory
	r.Get("/memory", memory.ListMemoryHandler(svcCtx))
	r.Put("/memory/{key}", memory.SetMemoryHandler(svcCtx))
	r.Delete("/memory/{key}", memory.DeleteMemoryHandler(svcCtx))
	r.Get("/favorites", memory.ListFavoritesHandler(svcCtx))
	r.Post("/favorites", memory.CreateFavoriteHandler(svcCtx))
	r.Delete("/favorites/{id}", memory.DeleteFavoriteHandler(svcCtx))

	r.Post("/api-keys", user.CreateAPIKeyHandler(svcCtx))
}

func registerAdminRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	r.Post("/users", user.CreateUserHandler(svcCtx))
	r.Delete("/users/{id}", user.DeleteUserHandler(svcCtx))
	r.Post("/roles/reload", user.ReloadRolesHandler(svcCtx))
}

// corsMiddleware allows the configured origins; "*" allows any
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (anyOrigin || slices.Contains(origins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+middleware.APIKeyHeader)
			}
			if r.Method == http.MethodOptions && origin != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
func Run(ctx context.Context, svcCtx *svc.ServiceContext, opts Options) error {
	addr := svcCtx.Config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	// no read/write timeouts: they would cut hijacked WebSocket connections
	httpServer := &http.Server{
		Handler:           NewRouter(svcCtx, opts),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("[Server] listening on http://%s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Infof("[Server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

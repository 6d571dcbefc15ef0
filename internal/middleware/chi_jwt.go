package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// APIKeyHeader carries an API key instead of a bearer token
const APIKeyHeader = "X-API-Key"

var errNoCredentials = errors.New("missing credentials")

// UserStore resolves credentials to users
type UserStore interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	VerifyAPIKey(ctx context.Context, plaintext string) (*db.User, error)
}

// Authenticator accepts bearer JWTs and API keys
type Authenticator struct {
	tokens *Tokens
	users  UserStore
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(tokens *Tokens, users UserStore) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Identify authenticates r. With allowQuery a token may also come from the
// "token" query parameter, which browsers need for WebSocket upgrades.
func (a *Authenticator) Identify(r *http.Request, allowQuery bool) (Identity, error) {
	ctx := r.Context()

	if key := r.Header.Get(APIKeyHeader); key != "" {
		u, err := a.users.VerifyAPIKey(ctx, key)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: u.ID, Role: u.Role, Via: "api_key"}, nil
	}

	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Identity{}, errors.New("invalid authorization header format")
		}
		token = strings.TrimSpace(parts[1])
	} else if allowQuery {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, errNoCredentials
	}

	if a.tokens == nil {
		return Identity{}, ErrInvalidToken
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	// the stored role wins so demotions apply before the token expires
	u, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: u.ID, Role: u.Role, Via: "jwt"}, nil
}

func (a *Authenticator) handler(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Identify(r, allowQuery)
			if err != nil {
				if !errors.Is(err, errNoCredentials) {
					logging.Debugf("[Auth] %s %s rejected: %v", r.Method, r.URL.Path, err)
				}
				httputil.Unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// Middleware requires a bearer token or API key header
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.handler(false)(next)
}

// QueryMiddleware is Middleware that also accepts ?token=
func (a *Authenticator) QueryMiddleware(next http.Handler) http.Handler {
	return a.handler(true)(next)
}

// RequireAdmin allows only callers whose role is marked admin
func RequireAdmin(roles *config.Roles) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				httputil.Unauthorized(w, "")
				return
			}
			policy, err := roles.Resolve(id.Role)
			if err != nil || !policy.Admin {
				httputil.Forbidden(w, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

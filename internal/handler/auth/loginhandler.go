package auth

import (
	"errors"
	"net/http"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

func LoginHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.LoginRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.UserID == "" || req.Password == "" {
			httputil.Error(w, httputil.BadRequest("user_id and password are required"))
			return
		}

		if svcCtx.Tokens == nil {
			httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "token login is disabled")
			return
		}

		user, err := svcCtx.DB.CheckPassword(r.Context(), req.UserID, req.Password)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				err = db.ErrInvalidCredentials
			}
			logging.Warnf("[Auth] login failed for %s: %v", req.UserID, err)
			httputil.Error(w, err)
			return
		}

		token, exp, err := svcCtx.Tokens.Issue(user.ID, user.Role)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		logging.Infof("[Auth] %s logged in", user.ID)
		httputil.OkJSON(w, &types.LoginResponse{
			Token:     token,
			ExpiresAt: exp,
			UserID:    user.ID,
			Role:      user.Role,
		})
	}
}

package user

import (
	"net/http"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// CreateAPIKeyHandler mints a key for the caller. The plaintext key is only
// ever returned here.
func CreateAPIKeyHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateAPIKeyRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Name == "" {
			req.Name = "default"
		}
		key, rec, err := svcCtx.DB.CreateAPIKey(r.Context(), middleware.GetUserID(r.Context()), req.Name)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, &types.CreateAPIKeyResponse{Key: key, APIKey: rec})
	}
}

func CreateUserHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateUserRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			httputil.Error(w, httputil.BadRequest("id is required"))
			return
		}
		if req.Role == "" {
			req.Role = svcCtx.Roles.DefaultRole()
		}
		if _, err := svcCtx.Roles.Resolve(req.Role); err != nil {
			httputil.Error(w, httputil.BadRequest("%v", err))
			return
		}
		if req.Name == "" {
			req.Name = req.ID
		}

		u, err := svcCtx.DB.CreateUser(r.Context(), req.ID, req.Name, req.Role)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Password != "" {
			if err := svcCtx.DB.SetPassword(r.Context(), u.ID, req.Password); err != nil {
				httputil.Error(w, err)
				return
			}
			u.HasPassword = true
		}
		logging.Infof("[Users] %s created user %s (%s)", middleware.GetUserID(r.Context()), u.ID, u.Role)
		httputil.WriteJSON(w, http.StatusCreated, u)
	}
}

func DeleteUserHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.UserRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.ID == middleware.GetUserID(r.Context()) {
			httputil.Error(w, httputil.BadRequest("cannot delete yourself"))
			return
		}
		if err := svcCtx.DB.DeleteUser(r.Context(), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		logging.Infof("[Users] %s deleted user %s", middleware.GetUserID(r.Context()), req.ID)
		httputil.NoContent(w)
	}
}

// ReloadRolesHandler re-reads the roles file without a restart
func ReloadRolesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svcCtx.Roles.Reload(); err != nil {
			httputil.Error(w, httputil.BadRequest("reload roles: %v", err))
			return
		}
		httputil.OkJSON(w, &types.ReloadRolesResponse{Roles: svcCtx.Roles.Names()})
	}
}

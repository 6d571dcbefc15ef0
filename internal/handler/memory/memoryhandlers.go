package memory

import (
	"net/http"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

func ListMemoryHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svcCtx.DB.ListMemory(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if entries == nil {
			entries = []db.MemoryEntry{}
		}
		httputil.OkJSON(w, &types.ListMemoryResponse{Entries: entries})
	}
}

// SetMemoryHandler upserts one long-term memory entry
func SetMemoryHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SetMemoryRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Key) == "" {
			httputil.Error(w, httputil.BadRequest("key is required"))
			return
		}

		userID := middleware.GetUserID(r.Context())
		if err := svcCtx.DB.SetMemory(r.Context(), userID, req.Key, req.Content); err != nil {
			httputil.Error(w, err)
			return
		}
		entry, err := svcCtx.DB.GetMemory(r.Context(), userID, req.Key)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, entry)
	}
}

func DeleteMemoryHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.MemoryKeyRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.DB.DeleteMemory(r.Context(), middleware.GetUserID(r.Context()), req.Key); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

package tasks

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// DelegateHandler plans a task and hands it to the background worker or
// the scheduler
func DelegateHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DelegateRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Task) == "" {
			httputil.Error(w, httputil.BadRequest("task is required"))
			return
		}

		d, err := svcCtx.Delegation.Delegate(r.Context(), middleware.GetUserID(r.Context()), channelOr(req.Channel), req.Task)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, &types.DelegateResponse{Decision: d, Summary: d.Summary()})
	}
}

func ListTasksHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 50, 200)
		list, err := svcCtx.DB.ListBackgroundTasks(r.Context(), middleware.GetUserID(r.Context()), limit)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if list == nil {
			list = []db.BackgroundTask{}
		}
		httputil.OkJSON(w, &types.ListTasksResponse{Tasks: list})
	}
}

func GetTaskHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		task, err := svcCtx.DB.GetBackgroundTask(r.Context(), req.ID)
		if err == nil && task.UserID != middleware.GetUserID(r.Context()) {
			err = fmt.Errorf("task %s: %w", req.ID, db.ErrNotFound)
		}
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, task)
	}
}

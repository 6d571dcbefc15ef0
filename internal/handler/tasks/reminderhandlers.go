package tasks

import (
	"net/http"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

func ListRemindersHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reminders, err := svcCtx.Scheduler.ListReminders(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if reminders == nil {
			reminders = []db.Reminder{}
		}
		httputil.OkJSON(w, &types.ListRemindersResponse{Reminders: reminders})
	}
}

func CreateReminderHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateReminderRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		rem, err := svcCtx.Scheduler.AddReminder(r.Context(), scheduler.ReminderSpec{
			UserID:          middleware.GetUserID(r.Context()),
			Channel:         channelOr(req.Channel),
			Message:         req.Message,
			Delay:           time.Duration(req.DelaySeconds) * time.Second,
			CronExpr:        req.CronExpr,
			AgentPrompt:     req.Prompt,
			AgentTools:      req.Tools,
			AgentModel:      req.Model,
			NotifyCondition: req.Notify,
		})
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, rem)
	}
}

func CancelReminderHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.CancelReminder(r.Context(), middleware.GetUserID(r.Context()), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

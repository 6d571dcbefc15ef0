package tasks

import (
	"net/http"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// defaultChannel is where results go when a request names no channel
const defaultChannel = "api"

func channelOr(ch string) string {
	if ch == "" {
		return defaultChannel
	}
	return ch
}

func ListJobsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := svcCtx.Scheduler.ListJobs(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if jobs == nil {
			jobs = []db.CronJob{}
		}
		httputil.OkJSON(w, &types.ListJobsResponse{Jobs: jobs})
	}
}

func CreateJobHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateJobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		job, err := svcCtx.Scheduler.AddJob(r.Context(), scheduler.JobSpec{
			UserID:          middleware.GetUserID(r.Context()),
			CronExpr:        req.CronExpr,
			Message:         req.Message,
			Channel:         channelOr(req.Channel),
			AgentPrompt:     req.Prompt,
			AgentTools:      req.Tools,
			AgentModel:      req.Model,
			Processor:       req.Processor,
			NotifyCondition: req.Notify,
		})
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, job)
	}
}

func DeleteJobHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.RemoveJob(r.Context(), middleware.GetUserID(r.Context()), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func PauseJobHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.PauseJob(r.Context(), middleware.GetUserID(r.Context()), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func ResumeJobHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.ResumeJob(r.Context(), middleware.GetUserID(r.Context()), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

// RunJobHandler executes a job now and returns its execution record
func RunJobHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		entry, err := svcCtx.Scheduler.RunJobNow(r.Context(), middleware.GetUserID(r.Context()), req.ID)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, entry)
	}
}

func JobLogsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.JobRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		limit := httputil.QueryInt(r, "limit", 50, 200)
		logs, err := svcCtx.Scheduler.JobHistory(r.Context(), middleware.GetUserID(r.Context()), req.ID, limit)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if logs == nil {
			logs = []db.ExecutionLog{}
		}
		httputil.OkJSON(w, &types.JobLogsResponse{Logs: logs})
	}
}

package notification

import (
	"net/http"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// ConsumeEventsHandler returns the caller's undelivered events and marks
// them delivered. A second call returns only events queued since.
func ConsumeEventsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svcCtx.DB.ConsumeEvents(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if events == nil {
			events = []db.SystemEvent{}
		}
		httputil.OkJSON(w, &types.EventsResponse{Events: events})
	}
}

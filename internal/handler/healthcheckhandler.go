package handler

import (
	"net/http"

	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.HealthResponse{
			Status:   "healthy",
			Version:  svcCtx.Version,
			Clients:  svcCtx.Hub.ClientCount(),
			Channels: svcCtx.Channels.Started(),
			Lanes:    svcCtx.Lanes.Stats(),
		})
	}
}

package server

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/realtime"
	"github.com/omrylcn/gbot-sub000/internal/svc"
)

// websocketHandler upgrades an authenticated request and attaches the
// connection to the realtime hub
func websocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	origins := svcCtx.Config.Server.CORSOrigins
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin) {
				return true
			}
			// same host is always fine
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.GetUserID(r.Context())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnf("[WS] upgrade for %s failed: %v", userID, err)
			return
		}
		realtime.ServeWS(svcCtx.Hub, conn, userID)
	}
}

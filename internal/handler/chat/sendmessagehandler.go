package chat

import (
	"errors"
	"net/http"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/orchestrator"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/markdown"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// ChannelAPI is the session channel of HTTP chat turns
const ChannelAPI = "api"

// SendMessageHandler runs one conversation turn. Provider failures come back
// as the reply text, not as an HTTP error.
func SendMessageHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httputil.Error(w, httputil.BadRequest("message is required"))
			return
		}

		userID := middleware.GetUserID(r.Context())
		reply, sessionID, err := svcCtx.Chat(r.Context(), userID, ChannelAPI, req.Message, req.SessionID)
		if err != nil {
			if errors.Is(err, orchestrator.ErrEmptyMessage) {
				httputil.Error(w, httputil.BadRequest("message is required"))
				return
			}
			logging.Errorf("[Chat] turn for %s failed: %v", userID, err)
			httputil.InternalError(w, "")
			return
		}

		resp := &types.ChatResponse{Response: reply, SessionID: sessionID}
		if req.Format == "html" {
			resp.HTML = markdown.Render(reply)
		}
		httputil.OkJSON(w, resp)
	}
}

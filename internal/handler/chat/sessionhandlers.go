package chat

import (
	"context"
	"fmt"
	"net/http"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/httputil"
	"github.com/omrylcn/gbot-sub000/internal/middleware"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

func ListSessionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.GetUserID(r.Context())
		limit := httputil.QueryInt(r, "limit", 20, 100)

		sessions, err := svcCtx.DB.ListSessions(r.Context(), userID, limit)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if sessions == nil {
			sessions = []db.Session{}
		}
		httputil.OkJSON(w, &types.ListSessionsResponse{Sessions: sessions})
	}
}

// ownedSession loads a session, hiding sessions of other users
func ownedSession(ctx context.Context, svcCtx *svc.ServiceContext, id string) (*db.Session, error) {
	sess, err := svcCtx.DB.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != middleware.GetUserID(ctx) {
		return nil, fmt.Errorf("session %s: %w", id, db.ErrNotFound)
	}
	return sess, nil
}

func GetSessionMessagesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SessionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if _, err := ownedSession(r.Context(), svcCtx, req.ID); err != nil {
			httputil.Error(w, err)
			return
		}

		msgs, err := svcCtx.DB.GetMessages(r.Context(), req.ID)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if msgs == nil {
			msgs = []db.Message{}
		}
		httputil.OkJSON(w, &types.SessionMessagesResponse{SessionID: req.ID, Messages: msgs})
	}
}

// CloseSessionHandler ends a session manually. It is summarized like a
// token-limit rotation.
func CloseSessionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SessionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		userID := middleware.GetUserID(r.Context())
		summary, err := svcCtx.Orchestrator.CloseSession(r.Context(), userID, req.ID)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.CloseSessionResponse{SessionID: req.ID, Summary: summary})
	}
}

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

func ListFavoritesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		favs, err := svcCtx.DB.ListFavorites(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			httputil.Error(w, err)
			return
		}
		if favs == nil {
			favs = []db.Favorite{}
		}
		httputil.OkJSON(w, &types.ListFavoritesResponse{Favorites: favs})
	}
}

func CreateFavoriteHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateFavoriteRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httputil.Error(w, httputil.BadRequest("content is required"))
			return
		}
		fav, err := svcCtx.DB.AddFavorite(r.Context(), middleware.GetUserID(r.Context()), req.Title, req.Content)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, fav)
	}
}

func DeleteFavoriteHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.FavoriteRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.DB.DeleteFavorite(r.Context(), middleware.GetUserID(r.Context()), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

package handler

import (
	"net/http"

	"tradefleet/internal/svc"
)

// FeedHandler upgrades to a websocket that streams live events.
func FeedHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.Hub.ServeHTTP
}

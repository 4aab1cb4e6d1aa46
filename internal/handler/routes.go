package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"tradefleet/internal/svc"
)

func RegisterHandlers(server *rest.Server, serverCtx *svc.ServiceContext) {
	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodGet,
				Path:    "/status",
				Handler: StatusHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/rankings/:tf",
				Handler: RankingsHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/agents/:id/prompts",
				Handler: PromptHistoryHandler(serverCtx),
			},
			{
				Method:  http.MethodPut,
				Path:    "/agents/:id/prompt",
				Handler: UpdatePromptHandler(serverCtx),
			},
			{
				Method:  http.MethodPost,
				Path:    "/agents/:id/pause",
				Handler: PauseAgentHandler(serverCtx),
			},
			{
				Method:  http.MethodPost,
				Path:    "/agents/:id/resume",
				Handler: ResumeAgentHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/feed",
				Handler: FeedHandler(serverCtx),
			},
		},
		rest.WithPrefix("/api"),
	)

	// manual runs hold the request for the whole run
	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodPost,
				Path:    "/runs/:tf",
				Handler: TriggerRunHandler(serverCtx),
			},
		},
		rest.WithPrefix("/api"),
		rest.WithTimeout(serverCtx.Config.SchedulerConfig().LockTTL),
	)
}

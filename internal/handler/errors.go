package handler

import (
	"context"
	"errors"
	"net/http"

	"tradefleet/internal/logic"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/evolution"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
	"tradefleet/pkg/scheduler"
)

var errBadRequest = errors.New("bad request")

type ErrorBody struct {
	Error string `json:"error"`
}

func badRequest(err error) error {
	return errors.Join(errBadRequest, err)
}

// ErrorHandler maps domain errors onto status codes. Install it with
// httpx.SetErrorHandlerCtx.
func ErrorHandler(_ context.Context, err error) (int, any) {
	return StatusOf(err), ErrorBody{Error: err.Error()}
}

func StatusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, logic.ErrInvalidTimeframe),
		errors.Is(err, evolution.ErrEmptyPrompt),
		errors.Is(err, evolution.ErrPromptUnchanged):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, ranking.ErrNotFound),
		errors.Is(err, portfolio.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, logic.ErrAgentsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package api

import (
	"log/slog"
	"net/http"
)

// NewMux builds the gateway's HTTP surface using the standard library's
// method-pattern routing (Go 1.22+), skipping a router dependency this
// service never needs. Every route is wrapped with WithRequestLogging so
// each request is logged once with a correlation id (available to handlers
// via RequestID).
func NewMux(h *Handler, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tiles", h.ServeTiles)
	mux.HandleFunc("GET /__lbheartbeat__", HandleLBHeartbeat())
	mux.HandleFunc("GET /__heartbeat__", HandleHeartbeat(ready))
	mux.HandleFunc("GET /__version__", HandleVersion())
	mux.HandleFunc("GET /__error__", HandleError())
	return WithRequestLogging(loggerOrNil(h), mux)
}

func loggerOrNil(h *Handler) *slog.Logger {
	if h == nil {
		return nil
	}
	return h.Logger
}

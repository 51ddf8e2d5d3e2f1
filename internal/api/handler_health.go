package api

import (
	"net/http"

	"github.com/mozilla-services/contile-go/internal/buildinfo"
)

// HandleLBHeartbeat answers GET /__lbheartbeat__: a load balancer probe that
// never touches downstream dependencies, so it stays cheap under load.
func HandleLBHeartbeat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// HandleHeartbeat answers GET /__heartbeat__: reports whether the supplied
// ready check passes (cmd/tilegateway checks that a settings snapshot is
// installed; the geoip database is not checked).
func HandleHeartbeat(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleVersion answers GET /__version__ with build provenance.
func HandleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"version": buildinfo.Version,
			"commit":  buildinfo.GitCommit,
			"build":   buildinfo.BuildTime,
		})
	}
}

// HandleError answers GET /__error__, a Dockerflow endpoint used to verify
// error reporting is wired up correctly in a given deployment.
func HandleError() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteGatewayError(w, http.StatusInternalServerError, 999, "test error")
	}
}

// Package api wires the classifier, tile cache, and settings store into the
// gateway's HTTP surface: the tiles endpoint and the Dockerflow health
// endpoints.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorBody is the gateway's flat error envelope: unlike a nested
// {error:{code,message}} shape, code/errno/error sit at the top level to
// match what partner tooling already parses.
type ErrorBody struct {
	Code  int    `json:"code"`
	Errno int    `json:"errno"`
	Error string `json:"error"`
}

// WriteGatewayError writes an ErrorBody with the given status, errno and
// message.
func WriteGatewayError(w http.ResponseWriter, status, errno int, message string) {
	WriteJSON(w, status, ErrorBody{Code: status, Errno: errno, Error: message})
}

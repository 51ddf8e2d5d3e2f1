package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/gwerr"
	"github.com/mozilla-services/contile-go/internal/tilecache"
)

// tilesResponse is the JSON shape of a successful /v1/tiles response.
type tilesResponse struct {
	Tiles []responseTileJSON `json:"tiles"`
	Sov   *string            `json:"sov,omitempty"`
}

type responseTileJSON struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	ClickURL      string `json:"click_url"`
	ImageURL      string `json:"image_url"`
	ImageSize     *int   `json:"image_size"`
	ImpressionURL string `json:"impression_url"`
}

// Handler serves GET /v1/tiles.
type Handler struct {
	Classifier *classify.Classifier
	Cache      *tilecache.Cache
	Logger     *slog.Logger
	TTLForBody func(tilecache.Body) time.Duration
}

// ServeTiles is the http.HandlerFunc for GET /v1/tiles.
func (h *Handler) ServeTiles(w http.ResponseWriter, r *http.Request) {
	ua := classify.ParseUserAgent(r.Header.Get("User-Agent"))
	if !ua.IsFirefox {
		writeGwerr(w, gwerr.FirefoxOnly())
		return
	}

	key := h.Classifier.Classify(r, r.RemoteAddr)

	body, err := h.Cache.Get(r.Context(), key)
	if err != nil {
		h.handleBuildError(w, key, err)
		return
	}

	h.writeBody(w, body)
}

func (h *Handler) handleBuildError(w http.ResponseWriter, key classify.Key, err error) {
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) {
		h.log("unexpected build error", err)
		WriteGatewayError(w, http.StatusInternalServerError, 520, "An error occurred while trying to request data")
		return
	}

	switch gerr.Kind {
	case gwerr.BadResponse:
		// A non-conforming payload degrades to an empty 204 for tablet form
		// factors (the historical iPad special case) and surfaces as 503
		// for everyone else.
		if key.FormFactor == classify.FormFactorTablet {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteGatewayError(w, gerr.HTTPStatus, gerr.Errno, gerr.Message)
	default:
		WriteGatewayError(w, gerr.HTTPStatus, gerr.Errno, gerr.Message)
	}
}

func (h *Handler) writeBody(w http.ResponseWriter, body tilecache.Body) {
	// Empty is the excluded-region sentinel (204). A country that is
	// included but yielded zero surviving tiles still gets a 200 with an
	// empty tiles array.
	if body.Empty {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.TTLForBody != nil {
		if ttl := h.TTLForBody(body); ttl > 0 {
			w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ttl.Seconds())))
		}
	}

	out := tilesResponse{Tiles: make([]responseTileJSON, len(body.Tiles)), Sov: body.SovB64}
	for i, t := range body.Tiles {
		out.Tiles[i] = responseTileJSON{
			ID: t.ID, Name: t.Name, URL: t.URL, ClickURL: t.ClickURL,
			ImageURL: t.ImageURL, ImageSize: t.ImageSize, ImpressionURL: t.ImpressionURL,
		}
	}
	WriteJSON(w, http.StatusOK, out)
}

func writeGwerr(w http.ResponseWriter, e *gwerr.Error) {
	WriteGatewayError(w, e.HTTPStatus, e.Errno, e.Message)
}

func (h *Handler) log(msg string, err error) {
	if h.Logger != nil {
		h.Logger.Error(msg, "err", err)
	}
}

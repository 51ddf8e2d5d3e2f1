// Package fetch performs the single outbound request to the advertising
// partner endpoint per cache miss, with a connect-timeout/request-timeout
// split enforced via httptrace hooks.
package fetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/filter"
	"github.com/mozilla-services/contile-go/internal/gwerr"
)

// Params are the variable query parameters derived from the classification
// key and partner settings for one upstream call.
type Params struct {
	Endpoint       string
	PartnerID      string
	Sub1           string
	QueryTileCount int
	Key            classify.Key
}

// Result is the outcome of a successful (possibly empty) upstream call.
type Result struct {
	Tiles []filter.UpstreamTile
}

// Fetcher performs the outbound request. Fetch's connectTimeout bounds the
// TCP+TLS handshake; its requestTimeout bounds the full exchange including
// body read.
type Fetcher struct {
	Transport *http.Transport
}

// New builds a Fetcher with redirects disabled: the partner endpoint is
// expected to answer directly, and silently following a redirect would
// defeat the timeout split below.
func New() *Fetcher {
	return &Fetcher{Transport: &http.Transport{}}
}

// Fetch performs one request and classifies the outcome against the
// upstream status table. A transient upstream condition (timeout, 5xx,
// malformed body) is returned as a *gwerr.Error; the tile cache's builder
// treats this as "build failed, do not cache".
func (f *Fetcher) Fetch(ctx context.Context, p Params, connectTimeout, requestTimeout time.Duration) (Result, error) {
	reqURL, err := buildURL(p)
	if err != nil {
		return Result{}, gwerr.InternalErr(fmt.Errorf("fetch: build url: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	// The connect timer fires cancel if TCP+TLS setup alone overruns
	// connectTimeout; Stop-ing it once the handshake completes leaves the
	// broader requestTimeout in charge of the remaining exchange. connectTimedOut
	// records which timer actually fired so the caller can tell a
	// connect-phase (soft) timeout from a full-exchange (hard) one.
	var connectTimedOut atomic.Bool
	connectTimer := time.AfterFunc(connectTimeout, func() {
		connectTimedOut.Store(true)
		cancel()
	})
	defer connectTimer.Stop()

	trace := &httptrace.ClientTrace{
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) { connectTimer.Stop() },
		GotConn:          func(_ httptrace.GotConnInfo) { connectTimer.Stop() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{}, gwerr.InternalErr(fmt.Errorf("fetch: new request: %w", err))
	}

	resp, err := f.Transport.RoundTrip(req)
	if err != nil {
		if ctx.Err() != nil {
			if connectTimedOut.Load() {
				return Result{}, gwerr.SoftTimeout(err)
			}
			return Result{}, gwerr.Timeout(err)
		}
		return Result{}, gwerr.RequestDataError(err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) (Result, error) {
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return Result{}, nil
	case resp.StatusCode >= 400:
		return Result{}, gwerr.RequestDataError(fmt.Errorf("fetch: upstream status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Result{}, gwerr.RequestDataError(fmt.Errorf("fetch: unexpected upstream status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, gwerr.Bad(fmt.Errorf("fetch: read body: %w", err))
	}
	if len(body) == 0 {
		return Result{}, nil
	}

	var payload struct {
		Tiles []filter.UpstreamTile `json:"tiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, gwerr.Bad(fmt.Errorf("fetch: decode body: %w", err))
	}
	return Result{Tiles: payload.Tiles}, nil
}

func buildURL(p Params) (string, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("partner", p.PartnerID)
	q.Set("sub1", p.Sub1)
	q.Set("sub2", "newtab")
	q.Set("country-code", p.Key.Country)
	if p.Key.Subdivision != "" {
		q.Set("region-code", p.Key.Subdivision)
	}
	if p.Key.HasMetro {
		q.Set("dma-code", strconv.Itoa(p.Key.Metro))
	}
	q.Set("form-factor", string(p.Key.FormFactor))
	q.Set("os-family", string(p.Key.OSFamily))
	q.Set("v", "1.0")
	q.Set("out", "json")
	q.Set("results", strconv.Itoa(p.QueryTileCount))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

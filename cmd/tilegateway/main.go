// Command tilegateway runs the sponsored-tile edge gateway: classify,
// coalesce, fetch, filter, mirror, respond.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozilla-services/contile-go/internal/api"
	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/config"
	"github.com/mozilla-services/contile-go/internal/fetch"
	"github.com/mozilla-services/contile-go/internal/filter"
	"github.com/mozilla-services/contile-go/internal/geoip"
	"github.com/mozilla-services/contile-go/internal/gwerr"
	"github.com/mozilla-services/contile-go/internal/mirror"
	"github.com/mozilla-services/contile-go/internal/objectstore"
	"github.com/mozilla-services/contile-go/internal/settings"
	"github.com/mozilla-services/contile-go/internal/tilecache"
)

// warmupEmptyTTL is the short TTL given to the "serve empty" body a soft
// (connect-phase) timeout on a key's first-ever build degrades to, rather
// than failing the build outright. Short enough that a partner endpoint
// that's merely slow to accept new connections during warm-up is retried
// well before tiles_ttl would otherwise allow.
const warmupEmptyTTL = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	geo := geoip.NewService(geoip.ServiceConfig{
		DBPath:         envCfg.MaxMindDBPath,
		UpdateSchedule: envCfg.GeoIPUpdateSchedule,
	})
	if err := geo.Start(); err != nil {
		logger.Error("geoip start failed", "err", err)
		os.Exit(1)
	}
	defer geo.Stop()

	settingsStore := settings.NewStore(nil)
	watcher, err := settings.NewWatcher(envCfg.AdmSettings, settingsStore, logger)
	if err != nil {
		logger.Error("settings load failed", "err", err)
		os.Exit(1)
	}
	go watcher.Run()
	defer watcher.Close()

	store := objectstore.NewFileStore(envCfg.ObjectStoreBucket, envCfg.CDNPrefix)
	imgMirror, err := mirror.New(store, mirror.NewHTTPFetcher(&http.Client{Timeout: envCfg.ImageFetchTimeout}), 10000, envCfg.ImageTTL)
	if err != nil {
		logger.Error("mirror init failed", "err", err)
		os.Exit(1)
	}
	defer imgMirror.Close()

	tileFilter := filter.New(imgMirror)
	fetcher := fetch.New()
	classifier := classify.New(geoAdapter{geo}, envCfg.DefaultCountry, envCfg.Environment != "production")

	build := newBuilder(fetcher, tileFilter, settingsStore, envCfg)
	cache := tilecache.New(build)

	handler := &api.Handler{
		Classifier: classifier,
		Cache:      cache,
		Logger:     logger,
		TTLForBody: func(tilecache.Body) time.Duration { return settingsStore.Current().TilesTTL },
	}

	ready := func() bool { return settingsStore.Current() != nil }
	mux := api.NewMux(handler, ready)

	srv := &http.Server{
		Addr:    net.JoinHostPort(envCfg.ListenAddress, fmt.Sprint(envCfg.Port)),
		Handler: mux,
	}

	go func() {
		logger.Info("tilegateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

// newBuilder closes over the fetch/filter/settings collaborators to produce
// a tilecache.Builder: fetch tiles from the partner endpoint, filter and
// mirror them, and assemble the resulting cache body.
func newBuilder(fetcher *fetch.Fetcher, tileFilter *filter.Filter, settingsStore *settings.Store, envCfg *config.EnvConfig) tilecache.Builder {
	return func(ctx context.Context, key classify.Key, firstBuild bool) (tilecache.Body, time.Duration, error) {
		snap := settingsStore.Current()

		endpoint := envCfg.AdmEndpointURL
		if key.FormFactor == classify.FormFactorPhone || key.FormFactor == classify.FormFactorTablet {
			endpoint = envCfg.AdmMobileEndpointURL
		}

		res, err := fetcher.Fetch(ctx, fetch.Params{
			Endpoint:       endpoint,
			PartnerID:      snap.PartnerID,
			Sub1:           snap.Sub1,
			QueryTileCount: snap.QueryTileCount,
			Key:            key,
		}, snap.ConnectTimeout, snap.RequestTimeout)
		if err != nil {
			var gerr *gwerr.Error
			if firstBuild && errors.As(err, &gerr) && gerr.Kind == gwerr.UpstreamTimeout && gerr.Soft {
				// A connect-phase timeout on this key's very first build looks
				// like the partner endpoint still warming up rather than a
				// steady-state outage: serve empty with a short TTL so the
				// next request retries soon instead of failing the request.
				return tilecache.Body{Empty: true}, warmupEmptyTTL, nil
			}
			// Every other fetch failure, including a malformed BadResponse
			// payload or a steady-state timeout, fails the build rather than
			// being cached; the handler decides 204-vs-503 for BadResponse by
			// form factor at response time.
			return tilecache.Body{}, 0, err
		}

		survivors := filter.Run(ctx, tileFilter, res.Tiles, key, snap, snap.QueryTileCount)
		body := assembleBody(survivors, key, snap)
		return body, snap.TilesTTL, nil
	}
}

func assembleBody(survivors []filter.ResponseTile, key classify.Key, snap *settings.Snapshot) tilecache.Body {
	tiles := make([]tilecache.ResponseTile, len(survivors))
	for i, t := range survivors {
		tiles[i] = tilecache.ResponseTile{
			ID: t.ID, Name: t.Name, URL: t.URL, ClickURL: t.ClickURL,
			ImageURL: t.ImageURL, ImageSize: t.ImageSize, ImpressionURL: t.ImpressionURL,
		}
	}

	if len(tiles) == 0 && !snap.RegionIncluded(key.Country) {
		return tilecache.Body{Empty: true}
	}
	return tilecache.Body{Tiles: tiles, SovB64: snap.SovBase64}
}

// geoAdapter bridges geoip.Service to classify.GeoLookup without making
// either package import the other.
type geoAdapter struct{ svc *geoip.Service }

func (a geoAdapter) Lookup(ip net.IP) classify.LookupResult {
	loc := a.svc.Lookup(ip)
	return classify.LookupResult{
		Country: loc.Country, Subdivision: loc.Subdivision, Metro: loc.Metro, HasMetro: loc.HasMetro,
	}
}

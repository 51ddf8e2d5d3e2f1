package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/config"
	"github.com/mozilla-services/contile-go/internal/fetch"
	"github.com/mozilla-services/contile-go/internal/filter"
	"github.com/mozilla-services/contile-go/internal/mirror"
	"github.com/mozilla-services/contile-go/internal/settings"
)

type fakeStore struct{}

func (fakeStore) PutIfAbsent(_ context.Context, key, _ string, _ []byte) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

func testEnvCfg() *config.EnvConfig {
	return &config.EnvConfig{AdmEndpointURL: "http://unused.example.com"}
}

func testSnapStore() *settings.Store {
	return settings.NewStore(&settings.Snapshot{
		Advertisers:            map[string]settings.AdvertiserRule{},
		ClickHosts:             map[string]bool{},
		ImpressionHosts:        map[string]bool{},
		ImageHosts:             map[string]bool{},
		LegacyImageAdvertisers: map[string]bool{},
		QueryTileCount:         2,
		ConnectTimeout:         5 * time.Millisecond,
		RequestTimeout:         50 * time.Millisecond,
		TilesTTL:               time.Minute,
	})
}

func TestNewBuilder_FirstBuildSoftTimeoutDegradesToShortTTLEmpty(t *testing.T) {
	imgMirror, err := mirror.New(fakeStore{}, mirror.NewHTTPFetcher(&http.Client{}), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer imgMirror.Close()

	envCfg := testEnvCfg()
	envCfg.AdmEndpointURL = "http://10.255.255.1:80"
	build := newBuilder(fetch.New(), filter.New(imgMirror), testSnapStore(), envCfg)

	body, ttl, err := build(context.Background(), classify.Key{Country: "US"}, true)
	if err != nil {
		t.Fatalf("expected warm-up degrade, not a build failure: %v", err)
	}
	if !body.Empty {
		t.Fatalf("expected empty sentinel body, got %+v", body)
	}
	if ttl != warmupEmptyTTL {
		t.Fatalf("ttl = %v, want %v", ttl, warmupEmptyTTL)
	}
}

func TestNewBuilder_SoftTimeoutOnRebuildStillFailsBuild(t *testing.T) {
	imgMirror, err := mirror.New(fakeStore{}, mirror.NewHTTPFetcher(&http.Client{}), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer imgMirror.Close()

	envCfg := testEnvCfg()
	envCfg.AdmEndpointURL = "http://10.255.255.1:80"
	build := newBuilder(fetch.New(), filter.New(imgMirror), testSnapStore(), envCfg)

	_, _, err = build(context.Background(), classify.Key{Country: "US"}, false)
	if err == nil {
		t.Fatal("expected a steady-state (non-first-build) timeout to fail the build")
	}
}

func TestNewBuilder_UpstreamHTTPErrorAlwaysFailsBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	imgMirror, err := mirror.New(fakeStore{}, mirror.NewHTTPFetcher(&http.Client{}), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer imgMirror.Close()

	envCfg := testEnvCfg()
	envCfg.AdmEndpointURL = srv.URL
	build := newBuilder(fetch.New(), filter.New(imgMirror), testSnapStore(), envCfg)

	_, _, err = build(context.Background(), classify.Key{Country: "US"}, true)
	if err == nil {
		t.Fatal("expected upstream 500 to fail the build even on first build")
	}
}

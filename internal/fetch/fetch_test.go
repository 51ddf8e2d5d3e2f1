package fetch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/gwerr"
)

func TestFetch_SuccessWithTiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("partner") != "mozilla" {
			t.Errorf("missing partner param: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"tiles":[{"id":1,"name":"Acme","advertiser_url":"https://a","click_url":"https://c","image_url":"https://i","impression_url":"https://p"}]}`))
	}))
	defer srv.Close()

	f := New()
	res, err := f.Fetch(t.Context(), Params{
		Endpoint: srv.URL, PartnerID: "mozilla", Sub1: "sub1", QueryTileCount: 2,
		Key: classify.Key{Country: "US"},
	}, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Tiles) != 1 || res.Tiles[0].Name != "Acme" {
		t.Fatalf("unexpected tiles: %+v", res.Tiles)
	}
}

func TestFetch_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := New()
	res, err := f.Fetch(t.Context(), Params{Endpoint: srv.URL, Key: classify.Key{Country: "US"}}, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Tiles) != 0 {
		t.Fatalf("expected no tiles, got %d", len(res.Tiles))
	}
}

func TestFetch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(t.Context(), Params{Endpoint: srv.URL, Key: classify.Key{Country: "US"}}, time.Second, 2*time.Second)
	if err == nil {
		t.Fatal("expected error for 500 upstream")
	}
}

func TestFetch_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(t.Context(), Params{Endpoint: srv.URL, Key: classify.Key{Country: "US"}}, time.Second, 2*time.Second)
	if err == nil {
		t.Fatal("expected BadResponse error for non-JSON body")
	}
}

func TestFetch_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"tiles":[]}`))
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(t.Context(), Params{Endpoint: srv.URL, Key: classify.Key{Country: "US"}}, time.Second, 20*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "TIMEOUT") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestFetch_ConnectPhaseTimeoutIsSoft(t *testing.T) {
	// 10.255.255.1 is routable but unreachable in this sandbox, so the
	// dial hangs until our own connect timer fires the cancellation,
	// never reaching GotConn.
	f := New()
	_, err := f.Fetch(t.Context(), Params{
		Endpoint: "http://10.255.255.1:80", Key: classify.Key{Country: "US"},
	}, 10*time.Millisecond, 5*time.Second)
	if err == nil {
		t.Fatal("expected connect-phase timeout error")
	}
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *gwerr.Error, got %T", err)
	}
	if gerr.Kind != gwerr.UpstreamTimeout || !gerr.Soft {
		t.Fatalf("expected soft UpstreamTimeout, got kind=%s soft=%v", gerr.Kind, gerr.Soft)
	}
}

func TestBuildURL_IncludesMetroOnlyWhenPresent(t *testing.T) {
	u, err := buildURL(Params{Endpoint: "https://ads.example.com/tiles", Key: classify.Key{Country: "US", HasMetro: true, Metro: 803}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "dma-code=803") {
		t.Fatalf("expected dma-code in url: %s", u)
	}

	u2, _ := buildURL(Params{Endpoint: "https://ads.example.com/tiles", Key: classify.Key{Country: "GB"}})
	if strings.Contains(u2, "dma-code") {
		t.Fatalf("did not expect dma-code in url: %s", u2)
	}
}

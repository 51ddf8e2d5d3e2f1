// Package mirror fetches advertiser-hosted tile images once and re-serves
// them from gateway-controlled storage, so a Firefox client never makes a
// direct network connection to an advertiser's origin.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"lukechampine.com/blake3"

	"github.com/mozilla-services/contile-go/internal/gwerr"
)

// MirroredImage is the result of a successful mirror operation.
type MirroredImage struct {
	PublicURL string
	Width     int
	Height    int
	Bytes     int
}

// ObjectStore is the external collaborator holding mirrored bytes. PutIfAbsent
// is expected to be idempotent on key (content-addressed keys make repeat
// uploads of the same image a no-op) and to return the URL clients should be
// given regardless of whether the object already existed.
type ObjectStore interface {
	PutIfAbsent(ctx context.Context, key string, contentType string, body []byte) (publicURL string, err error)
}

// Fetcher retrieves the raw bytes of an advertiser-hosted image. Satisfied
// in production by the *http.Client wrapper NewHTTPFetcher returns, and by
// a fake in tests.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

type httpFetcher struct{ client *http.Client }

func (f httpFetcher) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

// NewHTTPFetcher wraps an *http.Client as a Fetcher.
func NewHTTPFetcher(client *http.Client) Fetcher {
	return httpFetcher{client: client}
}

const maxImageBytes = 5 << 20 // 5 MiB; advertiser creative assets are small.

// allowedImageFormats maps a sniffed MIME type to the format name used for
// the stored object's extension. Only the three raster types registered
// above (via the blank image/* imports) are accepted; anything else fails
// with InvalidImage regardless of whether it happens to decode.
var allowedImageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
}

// Mirror deduplicates repeat mirror requests for the same source URL behind
// an in-memory, TTL-bounded otter cache fronting an ObjectStore. Concurrent
// requests for a URL that is not yet cached each fetch and upload it; the
// content-addressed key makes the repeated upload harmless.
type Mirror struct {
	store   ObjectStore
	fetcher Fetcher
	cache   otter.Cache[string, MirroredImage]
}

// New builds a Mirror whose dedupe cache holds at most maxEntries source
// URLs, each expiring ttl after insertion (an expired entry is simply
// refetched, never invalidated out-of-band).
func New(store ObjectStore, fetcher Fetcher, maxEntries int, ttl time.Duration) (*Mirror, error) {
	cache, err := otter.MustBuilder[string, MirroredImage](maxEntries).
		WithTTL(ttl).
		Cost(func(_ string, _ MirroredImage) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("mirror: build cache: %w", err)
	}
	return &Mirror{store: store, fetcher: fetcher, cache: cache}, nil
}

// Mirror fetches sourceURL (if not already cached), validates its sniffed
// content type is an allowed raster format, uploads it to the ObjectStore
// under a content-addressed key, and returns the gateway-hosted URL to
// embed in the tile response. Width/Height are zero when the body is an
// allowed type but fails to probe.
func (m *Mirror) Mirror(ctx context.Context, sourceURL string) (MirroredImage, error) {
	if cached, ok := m.cache.Get(sourceURL); ok {
		return cached, nil
	}

	img, err := m.fetchAndStore(ctx, sourceURL)
	if err != nil {
		return MirroredImage{}, err
	}
	m.cache.Set(sourceURL, img)
	return img, nil
}

func (m *Mirror) fetchAndStore(ctx context.Context, sourceURL string) (MirroredImage, error) {
	resp, err := m.fetcher.Get(ctx, sourceURL)
	if err != nil {
		return MirroredImage{}, gwerr.InvalidImageErr(fmt.Errorf("mirror: fetch %s: %w", sourceURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MirroredImage{}, gwerr.InvalidImageErr(fmt.Errorf("mirror: fetch %s: status %d", sourceURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return MirroredImage{}, gwerr.InvalidImageErr(fmt.Errorf("mirror: read %s: %w", sourceURL, err))
	}
	if len(body) > maxImageBytes {
		return MirroredImage{}, gwerr.InvalidImageErr(fmt.Errorf("mirror: %s exceeds %d bytes", sourceURL, maxImageBytes))
	}

	sniffed := strings.SplitN(http.DetectContentType(body), ";", 2)[0]
	format, allowed := allowedImageFormats[sniffed]
	if !allowed {
		return MirroredImage{}, gwerr.InvalidImageErr(fmt.Errorf("mirror: %s sniffed as disallowed type %s", sourceURL, sniffed))
	}

	// The sniffed type is an allowed raster format, but the registered
	// decoder may still fail to probe it (truncated body, a variant our
	// stdlib decoder doesn't handle). That's a probe failure, not a
	// disallowed format: proceed with size = null rather than dropping
	// the tile.
	var cfg image.Config
	if decoded, decodedFormat, err := image.DecodeConfig(bytes.NewReader(body)); err == nil {
		cfg = decoded
		format = decodedFormat
	}

	key := contentKey(format, body)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/" + format
	}

	publicURL, err := m.store.PutIfAbsent(ctx, key, contentType, body)
	if err != nil {
		return MirroredImage{}, gwerr.UploadErr(fmt.Errorf("mirror: upload %s: %w", sourceURL, err))
	}

	return MirroredImage{
		PublicURL: publicURL,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Bytes:     len(body),
	}, nil
}

// contentKey derives a content-addressed storage key so that byte-identical
// assets referenced by different advertisers collapse to one stored object.
func contentKey(format string, body []byte) string {
	sum := blake3.Sum256(body)
	return fmt.Sprintf("%x.%s", sum, extensionFor(format))
}

func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	default:
		return format
	}
}

// Close releases resources held by the dedupe cache.
func (m *Mirror) Close() {
	m.cache.Close()
}

// Package filter validates and rewrites one upstream tile at a time against
// the active settings snapshot, producing the tile shape returned to
// clients or a reason for dropping it.
package filter

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mozilla-services/contile-go/internal/classify"
	"github.com/mozilla-services/contile-go/internal/mirror"
	"github.com/mozilla-services/contile-go/internal/settings"
)

// UpstreamTile is a single tile as received from the partner endpoint.
type UpstreamTile struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	AdvertiserURL string `json:"advertiser_url"`
	ClickURL      string `json:"click_url"`
	ImageURL      string `json:"image_url"`
	ImpressionURL string `json:"impression_url"`
}

// ResponseTile is the shape emitted to clients. ImageSize is nil when the
// format probe was skipped or inconclusive but otherwise acceptable.
type ResponseTile struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	ClickURL      string `json:"click_url"`
	ImageURL      string `json:"image_url"`
	ImageSize     *int   `json:"image_size"`
	ImpressionURL string `json:"impression_url"`
}

// Mirrorer mirrors an advertiser image to gateway-controlled storage.
// internal/mirror.Mirror satisfies this.
type Mirrorer interface {
	Mirror(ctx context.Context, sourceURL string) (mirror.MirroredImage, error)
}

// Filter applies the five ordered validation rules to one upstream tile.
type Filter struct {
	Mirror Mirrorer
}

// New constructs a Filter backed by the given Mirrorer.
func New(m Mirrorer) *Filter {
	return &Filter{Mirror: m}
}

// Apply validates and rewrites one tile. A false second return means the
// tile was dropped; no error is returned for an ordinary policy rejection,
// since rejection is an expected, silent outcome.
func (f *Filter) Apply(ctx context.Context, t UpstreamTile, key classify.Key, snap *settings.Snapshot) (ResponseTile, bool) {
	if !policyAllowed(t, key, snap) {
		return ResponseTile{}, false
	}

	return f.mirrorTile(ctx, t)
}

// mirrorTile performs the mirror step and rewrites the tile's image_url to
// the mirrored public URL. A mirror failure drops only this tile; other
// tiles in the same build proceed.
func (f *Filter) mirrorTile(ctx context.Context, t UpstreamTile) (ResponseTile, bool) {
	img, err := f.Mirror.Mirror(ctx, t.ImageURL)
	if err != nil {
		return ResponseTile{}, false
	}

	var size *int
	if img.Width > 0 {
		w := img.Width
		size = &w
	}

	return ResponseTile{
		ID:            t.ID,
		Name:          t.Name,
		URL:           t.AdvertiserURL,
		ClickURL:      t.ClickURL,
		ImageURL:      img.PublicURL,
		ImageSize:     size,
		ImpressionURL: t.ImpressionURL,
	}, true
}

// policyAllowed runs the five purely local validation rules (advertiser
// known, legacy-image gate, host allowlists, advertiser URL match, region match)
// ahead of the network-bound mirror step, so Run can fan the expensive part
// out concurrently without reordering which tiles are even candidates.
func policyAllowed(t UpstreamTile, key classify.Key, snap *settings.Snapshot) bool {
	adv, ok := snap.Advertiser(t.Name)
	if !ok {
		return false
	}
	if key.LegacyImage && !snap.IsLegacyImageAdvertiser(t.Name) {
		return false
	}
	if _, ok := snap.ClickHostAllowed(t.ClickURL); !ok {
		return false
	}
	if _, ok := snap.ImpressionHostAllowed(t.ImpressionURL); !ok {
		return false
	}
	if _, ok := snap.ImageHostAllowed(t.ImageURL); !ok {
		return false
	}
	if !advertiserURLAllowed(adv, key.Country, t.AdvertiserURL) {
		return false
	}
	return adv.AllowedInCountry(key.Country)
}

func advertiserURLAllowed(adv settings.AdvertiserRule, country, rawURL string) bool {
	rule, ok := adv.Countries[strings.ToUpper(country)]
	if !ok {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return false
	}
	if !strings.EqualFold(u.Hostname(), rule.Host) {
		return false
	}
	return rule.Path.Match(u.Path)
}

// Run filters a batch of upstream tiles in arrival order, returning at most
// maxTiles surviving tiles (maxTiles is query_tile_count). Policy checks run
// up front in order; the image-mirroring step for every tile that passes
// policy runs concurrently via errgroup, since mirroring is the only
// network-bound part of a tile's validation. Output order and the maxTiles
// cap are applied after the fan-out completes, so concurrency never changes
// which tiles would have survived a serial run.
func Run(ctx context.Context, f *Filter, tiles []UpstreamTile, key classify.Key, snap *settings.Snapshot, maxTiles int) []ResponseTile {
	candidates := make([]UpstreamTile, 0, len(tiles))
	for _, t := range tiles {
		if policyAllowed(t, key, snap) {
			candidates = append(candidates, t)
		}
	}

	mirrored := make([]*ResponseTile, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range candidates {
		i, t := i, t
		g.Go(func() error {
			if rt, ok := f.mirrorTile(gctx, t); ok {
				mirrored[i] = &rt
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ResponseTile, 0, maxTiles)
	for _, rt := range mirrored {
		if len(out) >= maxTiles {
			break
		}
		if rt != nil {
			out = append(out, *rt)
		}
	}
	return out
}

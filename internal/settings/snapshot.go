// Package settings holds the read-only, hot-swappable view of partner
// advertiser policy the filter consults on every cache miss.
package settings

import (
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mozilla-services/contile-go/internal/netutil"
)

// PathKind selects how a compiled path rule matches a request path.
type PathKind string

const (
	PathExact  PathKind = "exact"
	PathPrefix PathKind = "prefix"
)

// PathMatch is a compiled (kind, spec) pair for one advertiser/country.
type PathMatch struct {
	Kind PathKind
	Spec string
}

// Match reports whether path satisfies this rule. Prefix specs are
// expected to end in "/"; normalization happens once at compile time in
// compileCountryRule so this stays a constant-time check at request time.
func (m PathMatch) Match(path string) bool {
	switch m.Kind {
	case PathExact:
		return path == m.Spec
	case PathPrefix:
		return strings.HasPrefix(path, m.Spec)
	default:
		return false
	}
}

// CountryRule is the compiled host+path rule an advertiser's landing URL
// must satisfy for a given country.
type CountryRule struct {
	Host string
	Path PathMatch
}

// AdvertiserRule is one advertiser's compiled policy: a per-country host
// and path-matching rule for its `advertiser_url`, plus an optional
// include-list of countries the advertiser is willing to serve.
type AdvertiserRule struct {
	Name           string
	Countries      map[string]CountryRule // keyed by upper-case country code
	IncludeRegions map[string]bool        // nil means "no restriction"
}

// AllowedInCountry reports whether the advertiser's include_regions (if
// any) permits the given country.
func (a AdvertiserRule) AllowedInCountry(country string) bool {
	if a.IncludeRegions == nil {
		return true
	}
	return a.IncludeRegions[strings.ToUpper(country)]
}

// Snapshot is the fully-compiled, read-only partner policy consulted by
// the filter. It is built once by the loader and never mutated in place;
// updates install an entirely new Snapshot.
type Snapshot struct {
	Advertisers            map[string]AdvertiserRule
	ClickHosts             map[string]bool
	ImpressionHosts        map[string]bool
	ImageHosts             map[string]bool
	LegacyImageAdvertisers map[string]bool

	// IncludeRegions is the gateway-wide served-country allowlist (distinct
	// from an individual AdvertiserRule.IncludeRegions). nil means no
	// restriction. A country outside this set gets the empty-204 sentinel
	// rather than a 200 with an empty tiles list.
	IncludeRegions map[string]bool

	PartnerID      string
	Sub1           string
	QueryTileCount int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TilesTTL       time.Duration
	ImageTTL       time.Duration

	// SovBase64 is an opaque partner-supplied share-of-voice blob returned
	// verbatim alongside tiles when present.
	SovBase64 *string
}

// Advertiser looks up an advertiser's compiled rule by name.
func (s *Snapshot) Advertiser(name string) (AdvertiserRule, bool) {
	a, ok := s.Advertisers[name]
	return a, ok
}

// IsLegacyImageAdvertiser reports whether name is permitted to appear when
// the requesting client's legacy-image flag is set.
func (s *Snapshot) IsLegacyImageAdvertiser(name string) bool {
	return s.LegacyImageAdvertisers[name]
}

// hostAllowed reports whether rawURL's host is permitted by allowlist,
// matching either the exact host or its effective domain (eTLD+1) — an
// allowlist entry of "example.com" also covers "cdn.example.com".
func hostAllowed(allowlist map[string]bool, rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if allowlist[host] {
		return host, true
	}
	return host, allowlist[netutil.EffectiveDomain(host)]
}

// ClickHostAllowed reports whether rawURL is absolute and its host is in
// the click-host allowlist. Returns the matched host for further
// per-advertiser comparison.
func (s *Snapshot) ClickHostAllowed(rawURL string) (string, bool) {
	return hostAllowed(s.ClickHosts, rawURL)
}

// ImpressionHostAllowed mirrors ClickHostAllowed for impression URLs.
func (s *Snapshot) ImpressionHostAllowed(rawURL string) (string, bool) {
	return hostAllowed(s.ImpressionHosts, rawURL)
}

// ImageHostAllowed mirrors ClickHostAllowed for image URLs.
func (s *Snapshot) ImageHostAllowed(rawURL string) (string, bool) {
	return hostAllowed(s.ImageHosts, rawURL)
}

// RegionIncluded reports whether country falls within the gateway-wide
// served-region allowlist. An unset allowlist serves every region.
func (s *Snapshot) RegionIncluded(country string) bool {
	if s.IncludeRegions == nil {
		return true
	}
	return s.IncludeRegions[strings.ToUpper(country)]
}

// Store provides a consistent, wait-free-for-readers view of the current
// Snapshot. Readers take a fresh pointer per call; the old snapshot
// survives until the last reader drops its reference (ordinary Go GC, no
// explicit refcounting needed since Snapshot is immutable).
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store seeded with an initial snapshot. Passing a
// non-nil initial value means Current never has to handle a nil snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	if initial == nil {
		initial = &Snapshot{
			Advertisers:            map[string]AdvertiserRule{},
			ClickHosts:             map[string]bool{},
			ImpressionHosts:        map[string]bool{},
			ImageHosts:             map[string]bool{},
			LegacyImageAdvertisers: map[string]bool{},
		}
	}
	s.ptr.Store(initial)
	return s
}

// Current returns the currently installed snapshot. Never blocks, never
// returns nil.
func (s *Store) Current() *Snapshot {
	return s.ptr.Load()
}

// Install atomically swaps in a new snapshot. Concurrent readers never
// observe a partially-updated snapshot: they either see the old one in
// full or the new one in full.
func (s *Store) Install(snap *Snapshot) {
	s.ptr.Store(snap)
}

package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mozilla-services/contile-go/internal/config"
)

// rawConfig is the on-disk shape of the partner settings file (YAML or
// JSON-as-YAML; yaml.v3 parses both). It is intentionally permissive:
// fields not understood by an older gateway version are ignored rather
// than rejected.
type rawConfig struct {
	PartnerID              string                   `yaml:"partner_id"`
	Sub1                   string                   `yaml:"sub1"`
	QueryTileCount         int                      `yaml:"query_tile_count"`
	ConnectTimeout         config.Duration          `yaml:"connect_timeout"`
	RequestTimeout         config.Duration          `yaml:"request_timeout"`
	TilesTTL               config.Duration          `yaml:"tiles_ttl"`
	ImageTTL               config.Duration          `yaml:"image_ttl"`
	Sov                    string                   `yaml:"sov"`
	IncludeRegions         []string                 `yaml:"include_regions"`
	ClickHosts             []string                 `yaml:"click_hosts"`
	ImpressionHosts        []string                 `yaml:"impression_hosts"`
	ImageHosts             []string                 `yaml:"image_hosts"`
	LegacyImageAdvertisers []string                 `yaml:"legacy_image_advertisers"`
	Defaults               *rawDefaults             `yaml:"defaults"`
	Advertisers            map[string]rawAdvertiser `yaml:"advertisers"`
}

type rawDefaults struct {
	IncludeRegions []string `yaml:"include_regions"`
	Host           string   `yaml:"host"`
	PathKind       string   `yaml:"path_kind"`
	PathSpec       string   `yaml:"path_spec"`
}

type rawAdvertiser struct {
	IncludeRegions []string                  `yaml:"include_regions"`
	Countries      map[string]rawCountryRule `yaml:"countries"`
}

type rawCountryRule struct {
	Host     string `yaml:"host"`
	PathKind string `yaml:"path_kind"`
	PathSpec string `yaml:"path_spec"`
}

// LoadFile reads and compiles a partner settings file into a Snapshot.
// Parsing failures return an error; callers (see Watcher) are expected to
// keep serving the previously installed Snapshot in that case.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return compile(&raw)
}

func compile(raw *rawConfig) (*Snapshot, error) {
	snap := &Snapshot{
		Advertisers:            map[string]AdvertiserRule{},
		ClickHosts:             toHostSet(raw.ClickHosts),
		ImpressionHosts:        toHostSet(raw.ImpressionHosts),
		ImageHosts:             toHostSet(raw.ImageHosts),
		LegacyImageAdvertisers: toSet(raw.LegacyImageAdvertisers),
		PartnerID:              raw.PartnerID,
		Sub1:                   raw.Sub1,
		QueryTileCount:         raw.QueryTileCount,
	}
	if snap.QueryTileCount <= 0 {
		snap.QueryTileCount = 2
	}
	if len(raw.IncludeRegions) > 0 {
		snap.IncludeRegions = toUpperSet(raw.IncludeRegions)
	}
	if raw.Sov != "" {
		sov := raw.Sov
		snap.SovBase64 = &sov
	}

	snap.ConnectTimeout = durationOr(raw.ConnectTimeout, time.Second)
	snap.RequestTimeout = durationOr(raw.RequestTimeout, 5*time.Second)
	snap.TilesTTL = durationOr(raw.TilesTTL, 15*time.Minute)
	snap.ImageTTL = durationOr(raw.ImageTTL, 15*time.Minute)

	for name, ra := range raw.Advertisers {
		rule, err := compileAdvertiser(name, ra, raw.Defaults)
		if err != nil {
			return nil, err
		}
		snap.Advertisers[name] = rule
	}

	return snap, nil
}

func compileAdvertiser(name string, ra rawAdvertiser, defaults *rawDefaults) (AdvertiserRule, error) {
	rule := AdvertiserRule{Name: name, Countries: map[string]CountryRule{}}

	regions := ra.IncludeRegions
	if len(regions) == 0 && defaults != nil {
		regions = defaults.IncludeRegions
	}
	if len(regions) > 0 {
		rule.IncludeRegions = toUpperSet(regions)
	}

	// Explicit per-country rules take precedence.
	for country, rc := range ra.Countries {
		cr, err := compileCountryRule(rc)
		if err != nil {
			return AdvertiserRule{}, fmt.Errorf("settings: advertiser %s country %s: %w", name, country, err)
		}
		rule.Countries[strings.ToUpper(country)] = cr
	}

	// Fill in countries named by include_regions but missing an explicit
	// rule using adm_defaults.
	if defaults != nil && defaults.Host != "" {
		defaultCR, err := compileCountryRule(rawCountryRule{
			Host: defaults.Host, PathKind: defaults.PathKind, PathSpec: defaults.PathSpec,
		})
		if err != nil {
			return AdvertiserRule{}, fmt.Errorf("settings: defaults: %w", err)
		}
		for country := range rule.IncludeRegions {
			if _, ok := rule.Countries[country]; !ok {
				rule.Countries[country] = defaultCR
			}
		}
	}

	return rule, nil
}

func compileCountryRule(rc rawCountryRule) (CountryRule, error) {
	kind := PathKind(strings.ToLower(rc.PathKind))
	switch kind {
	case PathExact:
	case PathPrefix:
		if !strings.HasSuffix(rc.PathSpec, "/") {
			rc.PathSpec += "/"
		}
	default:
		return CountryRule{}, fmt.Errorf("invalid path_kind %q (want exact|prefix)", rc.PathKind)
	}
	return CountryRule{
		Host: strings.ToLower(rc.Host),
		Path: PathMatch{Kind: kind, Spec: rc.PathSpec},
	}, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func toUpperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToUpper(s)] = true
	}
	return set
}

func toHostSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}

// durationOr returns d's value, or def if the YAML field was absent (zero).
func durationOr(d config.Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d.Std()
}

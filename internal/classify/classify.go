package classify

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// GeoLookup resolves an IP address to a location. internal/geoip.Service
// satisfies this via its Lookup method.
type GeoLookup interface {
	Lookup(ip net.IP) LookupResult
}

// LookupResult mirrors geoip.Location without importing the geoip package
// directly, keeping classify free of a hard dependency on the MMDB backend
// so it stays trivially testable with fakes.
type LookupResult struct {
	Country     string
	Subdivision string
	Metro       int
	HasMetro    bool
}

// LegacyImageVersionThreshold is the Firefox version below which the
// legacy-image filter applies. Advertiser image assets uploaded before
// this cutoff use a naming/sizing convention older clients require.
const LegacyImageVersionThreshold = 91

// MetroEnabledCountries lists countries whose location policy exposes a
// DMA/metro code (only US Nielsen DMA codes are meaningful upstream).
var MetroEnabledCountries = map[string]bool{"US": true}

// TestHeaderName is honored only outside production, letting smoke tests
// pin a classification tuple without needing real geolocation.
const TestHeaderName = "Fake-Classification"

// Classifier derives a classify.Key from request metadata.
type Classifier struct {
	Geo             GeoLookup
	DefaultCountry  string
	AllowTestHeader bool
}

// New constructs a Classifier. geo may be nil in tests that only exercise
// UA parsing.
func New(geo GeoLookup, defaultCountry string, allowTestHeader bool) *Classifier {
	return &Classifier{Geo: geo, DefaultCountry: defaultCountry, AllowTestHeader: allowTestHeader}
}

// Classify derives the classification key for one request. remoteAddr is
// the connection's peer address (used when no forwarded-for header is
// present); r supplies the User-Agent and X-Forwarded-For headers.
//
// An unresolvable location is never surfaced as an error: the classifier
// substitutes the configured default country and proceeds.
func (c *Classifier) Classify(r *http.Request, remoteAddr string) Key {
	if c.AllowTestHeader {
		if raw := headerValue(r, TestHeaderName); raw != "" {
			if k, ok := parseTestHeader(raw); ok {
				return k
			}
		}
	}

	ua := ParseUserAgent(headerValue(r, "User-Agent"))

	ip := extractClientIP(r, remoteAddr)
	loc := c.lookupLocation(ip)

	country := loc.Country
	if country == "" {
		country = c.DefaultCountry
	}

	key := Key{
		Country:     strings.ToUpper(country),
		Subdivision: loc.Subdivision,
		FormFactor:  ua.FormFactor,
		OSFamily:    ua.OSFamily,
		LegacyImage: ua.IsFirefox && ua.FirefoxVersion > 0 && ua.FirefoxVersion < LegacyImageVersionThreshold,
	}
	if loc.HasMetro && MetroEnabledCountries[key.Country] {
		key.Metro = loc.Metro
		key.HasMetro = true
	}
	return key
}

func (c *Classifier) lookupLocation(ip net.IP) LookupResult {
	if c.Geo == nil || ip == nil {
		return LookupResult{}
	}
	return c.Geo.Lookup(ip)
}

// headerValue returns the named header's value, or "" if absent or if its
// raw bytes aren't a well-formed header field value (stray control
// bytes) — malformed input falls through to defaults rather
// than propagating into IP/UA parsing below.
func headerValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if v == "" || !httpguts.ValidHeaderFieldValue(v) {
		return ""
	}
	return v
}

// extractClientIP returns the first address of an X-Forwarded-For-style
// header, falling back to the connection's peer address.
func extractClientIP(r *http.Request, remoteAddr string) net.IP {
	if xff := headerValue(r, "X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// parseTestHeader parses a compact test-mode override, e.g.
// "US;CA;803;desktop;windows;false". Fields left empty fall back to zero
// values. Returns ok=false on malformed input so the caller falls through
// to real classification.
func parseTestHeader(raw string) (Key, bool) {
	parts := strings.Split(raw, ";")
	if len(parts) != 6 {
		return Key{}, false
	}
	k := Key{
		Country:     strings.ToUpper(strings.TrimSpace(parts[0])),
		Subdivision: strings.TrimSpace(parts[1]),
		FormFactor:  FormFactor(strings.TrimSpace(parts[3])),
		OSFamily:    OSFamily(strings.TrimSpace(parts[4])),
		LegacyImage: strings.TrimSpace(parts[5]) == "true",
	}
	if s := strings.TrimSpace(parts[2]); s != "" {
		if metro, err := strconv.Atoi(s); err == nil {
			k.Metro = metro
			k.HasMetro = true
		}
	}
	if k.Country == "" {
		return Key{}, false
	}
	return k, true
}

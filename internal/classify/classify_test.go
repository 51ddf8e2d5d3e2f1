package classify

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeGeo struct {
	byIP map[string]LookupResult
}

func (f fakeGeo) Lookup(ip net.IP) LookupResult {
	return f.byIP[ip.String()]
}

func TestClassify_DesktopWindows(t *testing.T) {
	c := New(fakeGeo{}, "US", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; rv:10.0) Gecko/20100101 Firefox/91.0")

	key := c.Classify(req, "10.0.0.1:1234")
	if key.Country != "US" {
		t.Fatalf("country = %q, want US (default)", key.Country)
	}
	if key.FormFactor != FormFactorDesktop || key.OSFamily != OSWindows {
		t.Fatalf("got form=%s os=%s", key.FormFactor, key.OSFamily)
	}
	if key.LegacyImage {
		t.Fatal("Firefox 91 should not be legacy")
	}
}

func TestClassify_ExcludedRegionViaXFF(t *testing.T) {
	geo := fakeGeo{byIP: map[string]LookupResult{
		"89.160.20.115": {Country: "SE"},
	}}
	c := New(geo, "US", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:91.0) Gecko/20100101 Firefox/91.0")
	req.Header.Set("X-Forwarded-For", "89.160.20.115, 10.0.0.1")

	key := c.Classify(req, "10.0.0.2:1234")
	if key.Country != "SE" {
		t.Fatalf("country = %q, want SE", key.Country)
	}
	if key.OSFamily != OSMacOS {
		t.Fatalf("os = %s, want macos", key.OSFamily)
	}
}

func TestClassify_LegacyImageFlag(t *testing.T) {
	geo := fakeGeo{byIP: map[string]LookupResult{"1.2.3.4": {Country: "GB"}}}
	c := New(geo, "US", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:90.0) Gecko/20100101 Firefox/90.0")
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	key := c.Classify(req, "10.0.0.2:1234")
	if !key.LegacyImage {
		t.Fatal("Firefox 90 should trigger legacy image flag")
	}
}

func TestClassify_MetroOnlyForUS(t *testing.T) {
	geo := fakeGeo{byIP: map[string]LookupResult{
		"1.1.1.1": {Country: "US", Subdivision: "CA", Metro: 803, HasMetro: true},
		"2.2.2.2": {Country: "GB", Subdivision: "ENG", Metro: 5, HasMetro: true},
	}}
	c := New(geo, "US", false)

	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; rv:91.0) Gecko/20100101 Firefox/91.0")
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	key := c.Classify(req, "10.0.0.2:1234")
	if !key.HasMetro || key.Metro != 803 {
		t.Fatalf("expected US metro 803, got %+v", key)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req2.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; rv:91.0) Gecko/20100101 Firefox/91.0")
	req2.Header.Set("X-Forwarded-For", "2.2.2.2")
	key2 := c.Classify(req2, "10.0.0.2:1234")
	if key2.HasMetro {
		t.Fatalf("GB should not expose metro, got %+v", key2)
	}
}

func TestClassify_TestHeaderOverride(t *testing.T) {
	c := New(fakeGeo{}, "US", true)
	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set(TestHeaderName, "FR;;;tablet;ios;true")

	key := c.Classify(req, "10.0.0.2:1234")
	if key.Country != "FR" || key.FormFactor != FormFactorTablet || key.OSFamily != OSIOS || !key.LegacyImage {
		t.Fatalf("test header override not applied: %+v", key)
	}
}

func TestClassify_TestHeaderIgnoredInProduction(t *testing.T) {
	c := New(fakeGeo{}, "US", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/tiles", nil)
	req.Header.Set(TestHeaderName, "FR;;;tablet;ios;true")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; rv:91.0) Gecko/20100101 Firefox/91.0")

	key := c.Classify(req, "10.0.0.2:1234")
	if key.Country == "FR" {
		t.Fatal("test header must be ignored when AllowTestHeader is false")
	}
}

func TestParseUserAgent_Android(t *testing.T) {
	p := ParseUserAgent("Mozilla/5.0 (Android 11; Mobile; rv:92.0) Gecko/92.0 Firefox/92.0")
	if p.OSFamily != OSAndroid || p.FormFactor != FormFactorPhone {
		t.Fatalf("got %+v", p)
	}
}

func TestParseUserAgent_IPad(t *testing.T) {
	p := ParseUserAgent("Mozilla/5.0 (iPad; CPU OS 15_0 like Mac OS X) FxiOS/38.0")
	if p.OSFamily != OSIOS || p.FormFactor != FormFactorTablet {
		t.Fatalf("got %+v", p)
	}
}

func TestParseUserAgent_UnknownDegradesToOther(t *testing.T) {
	p := ParseUserAgent("SomeBot/1.0")
	if p.OSFamily != OSOther || p.FormFactor != FormFactorOther {
		t.Fatalf("got %+v", p)
	}
	if p.IsFirefox {
		t.Fatal("non-Firefox UA must not be flagged IsFirefox")
	}
}

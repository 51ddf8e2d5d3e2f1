package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedUA is the defensively-parsed result of a User-Agent string. Unknown
// families resolve to "other" rather than an error: a malformed or novel
// UA should degrade the classification, never fail the request outright.
type ParsedUA struct {
	IsFirefox      bool
	FirefoxVersion int // from the Firefox/ token; 0 if absent (e.g. FxiOS) or not parseable
	FormFactor     FormFactor
	OSFamily       OSFamily
}

var (
	firefoxVersionRe = regexp.MustCompile(`Firefox/(\d+)`)
	androidVersionRe = regexp.MustCompile(`Android[ /]?[\d.]*`)
)

// ParseUserAgent extracts form factor, OS family, and Firefox version from a
// raw User-Agent header value. It never returns an error: every field
// degrades to a safe "unknown" zero value on parse failure.
func ParseUserAgent(ua string) ParsedUA {
	var p ParsedUA

	if m := firefoxVersionRe.FindStringSubmatch(ua); m != nil {
		p.IsFirefox = true
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.FirefoxVersion = v
		}
	}
	// Firefox for iOS identifies itself with an FxiOS/ token instead.
	if strings.Contains(ua, "FxiOS/") {
		p.IsFirefox = true
	}

	p.OSFamily = parseOSFamily(ua)
	p.FormFactor = parseFormFactor(ua, p.OSFamily)

	return p
}

func parseOSFamily(ua string) OSFamily {
	switch {
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iPod"):
		return OSIOS
	case strings.Contains(ua, "CrOS"):
		return OSChromeOS
	case androidVersionRe.MatchString(ua):
		return OSAndroid
	case strings.Contains(ua, "Windows"):
		return OSWindows
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return OSMacOS
	case strings.Contains(ua, "Linux"):
		return OSLinux
	default:
		return OSOther
	}
}

func parseFormFactor(ua string, os OSFamily) FormFactor {
	switch {
	case strings.Contains(ua, "iPad"):
		return FormFactorTablet
	case strings.Contains(ua, "Tablet"):
		return FormFactorTablet
	case strings.Contains(ua, "Mobile"):
		return FormFactorPhone
	case strings.Contains(ua, "iPhone"):
		return FormFactorPhone
	case os == OSAndroid && !strings.Contains(ua, "Mobile"):
		// Android tablets omit "Mobile" in their UA token per convention.
		return FormFactorTablet
	case os == OSWindows, os == OSMacOS, os == OSLinux, os == OSChromeOS:
		return FormFactorDesktop
	default:
		return FormFactorOther
	}
}

// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not
// hot-updatable — the partner policy that IS hot-updatable lives in
// internal/settings.Snapshot instead).
type EnvConfig struct {
	// Environment selects production vs. non-production behavior (e.g.
	// whether the test-mode classification override header is honored).
	Environment string

	// Network
	ListenAddress string
	Port          int

	// Upstream partner endpoints.
	AdmEndpointURL       string
	AdmMobileEndpointURL string
	AdmQueryTileCount    int
	AdmPartnerID         string
	AdmSub1              string

	// Timeouts.
	AdmTimeout     time.Duration // hard/request timeout
	ConnectTimeout time.Duration // soft/connect timeout

	// Cache.
	TilesTTL time.Duration

	// Settings snapshot source: a local file path, watched for changes (see
	// internal/settings.Watcher). Object-store URIs are not read.
	AdmSettings string

	// Default country used when the classifier cannot resolve a location.
	DefaultCountry string

	// GeoIP (MaxMind-shaped MMDB).
	MaxMindDBPath      string
	GeoIPUpdateSchedule string

	// Image mirror.
	ImageTTL           time.Duration
	ImageFetchTimeout  time.Duration
	CDNPrefix          string
	ObjectStoreBucket  string

	// Request handling.
	APIMaxBodyBytes int64
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any required variable is missing or any
// value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.Environment = envStr("CONTILE_ENVIRONMENT", "production")
	cfg.ListenAddress = strings.TrimSpace(envStr("CONTILE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("CONTILE_PORT", 8000, &errs)

	cfg.AdmEndpointURL = envStr("CONTILE_ADM_ENDPOINT_URL", "")
	cfg.AdmMobileEndpointURL = envStr("CONTILE_ADM_MOBILE_ENDPOINT_URL", "")
	cfg.AdmQueryTileCount = envInt("CONTILE_ADM_QUERY_TILE_COUNT", 2, &errs)
	cfg.AdmPartnerID = envStr("CONTILE_ADM_PARTNER_ID", "")
	cfg.AdmSub1 = envStr("CONTILE_ADM_SUB1", "")

	cfg.AdmTimeout = envDuration("CONTILE_ADM_TIMEOUT", 5*time.Second, &errs)
	cfg.ConnectTimeout = envDuration("CONTILE_CONNECT_TIMEOUT", 1*time.Second, &errs)

	cfg.TilesTTL = envDuration("CONTILE_TILES_TTL", 15*time.Minute, &errs)

	cfg.AdmSettings = envStr("CONTILE_ADM_SETTINGS", "")
	cfg.DefaultCountry = strings.ToUpper(envStr("CONTILE_DEFAULT_COUNTRY", "US"))

	cfg.MaxMindDBPath = envStr("CONTILE_MAXMINDDB_LOC", "")
	cfg.GeoIPUpdateSchedule = envStr("CONTILE_GEOIP_UPDATE_SCHEDULE", "0 5 12 * *")

	cfg.ImageTTL = envDuration("CONTILE_IMAGE_TTL", 15*time.Minute, &errs)
	cfg.ImageFetchTimeout = envDuration("CONTILE_IMAGE_FETCH_TIMEOUT", 5*time.Second, &errs)
	cfg.CDNPrefix = strings.TrimRight(envStr("CONTILE_CDN_PREFIX", ""), "/")
	cfg.ObjectStoreBucket = envStr("CONTILE_OBJECT_STORE_BUCKET", "")

	cfg.APIMaxBodyBytes = int64(envInt("CONTILE_API_MAX_BODY_BYTES", 1<<20, &errs))

	// --- Validation ---
	validatePort("CONTILE_PORT", cfg.Port, &errs)
	if cfg.ListenAddress == "" {
		errs = append(errs, "CONTILE_LISTEN_ADDRESS must not be empty")
	}
	if cfg.AdmEndpointURL == "" {
		errs = append(errs, "CONTILE_ADM_ENDPOINT_URL must be defined")
	}
	if cfg.AdmMobileEndpointURL == "" {
		errs = append(errs, "CONTILE_ADM_MOBILE_ENDPOINT_URL must be defined")
	}
	validatePositive("CONTILE_ADM_QUERY_TILE_COUNT", cfg.AdmQueryTileCount, &errs)
	if cfg.AdmTimeout <= 0 {
		errs = append(errs, "CONTILE_ADM_TIMEOUT must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, "CONTILE_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ConnectTimeout > cfg.AdmTimeout {
		errs = append(errs, "CONTILE_CONNECT_TIMEOUT must be less than or equal to CONTILE_ADM_TIMEOUT")
	}
	if cfg.TilesTTL < 0 {
		errs = append(errs, "CONTILE_TILES_TTL must be non-negative")
	}
	if cfg.AdmSettings == "" {
		errs = append(errs, "CONTILE_ADM_SETTINGS must be defined")
	}
	if len(cfg.DefaultCountry) != 2 {
		errs = append(errs, "CONTILE_DEFAULT_COUNTRY must be a 2-letter country code")
	}
	if cfg.ImageTTL <= 0 {
		errs = append(errs, "CONTILE_IMAGE_TTL must be positive")
	}
	if cfg.ImageFetchTimeout <= 0 {
		errs = append(errs, "CONTILE_IMAGE_FETCH_TIMEOUT must be positive")
	}
	if cfg.CDNPrefix == "" {
		errs = append(errs, "CONTILE_CDN_PREFIX must be defined")
	}
	validatePositive("CONTILE_API_MAX_BODY_BYTES", int(cfg.APIMaxBodyBytes), &errs)
	if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CONTILE_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

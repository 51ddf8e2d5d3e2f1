// Package geoip provides hot-reloadable GeoIP2-City-shaped location lookup
// backed by a MaxMind-format MMDB database.
package geoip

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Location is the result of a single IP lookup: a country ISO code, an
// optional subdivision ISO code, and an optional metro/DMA code.
type Location struct {
	Country     string // two-letter ISO code, "" if unknown
	Subdivision string // 1-3 char region code, may be empty
	Metro       int    // DMA code, 0 if absent
	HasMetro    bool
}

// cityRecord mirrors the subset of the GeoIP2-City schema this service
// consumes. MaxMind's full schema has many more fields; only what the
// classifier needs is decoded.
type cityRecord struct {
	Country struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	Location struct {
		MetroCode int `maxminddb:"metro_code"`
	} `maxminddb:"location"`
}

// Reader abstracts the MMDB reader so tests can substitute a fake.
type Reader interface {
	Lookup(ip net.IP) (Location, error)
	Close() error
}

type mmdbReader struct {
	db *maxminddb.Reader
}

func (r *mmdbReader) Lookup(ip net.IP) (Location, error) {
	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return Location{}, fmt.Errorf("geoip: lookup: %w", err)
	}
	loc := Location{Country: rec.Country.IsoCode}
	if len(rec.Subdivisions) > 0 {
		loc.Subdivision = rec.Subdivisions[0].IsoCode
	}
	if rec.Location.MetroCode != 0 {
		loc.Metro = rec.Location.MetroCode
		loc.HasMetro = true
	}
	return loc, nil
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// OpenFunc opens an MMDB file and returns a Reader.
type OpenFunc func(path string) (Reader, error)

// Open is the production OpenFunc, backed by oschwald/maxminddb-golang.
func Open(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// noOpReader is used until the first database load completes.
type noOpReader struct{}

func (noOpReader) Lookup(_ net.IP) (Location, error) { return Location{}, nil }
func (noOpReader) Close() error                      { return nil }

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	DBPath         string // path to a GeoIP2-City-shaped .mmdb file
	UpdateSchedule string // cron expression, default "0 5 12 * *"
	OpenDB         OpenFunc
}

// Service provides GeoIP lookup with hot-reloading via RWMutex: a
// background cron reopens the database file on every scheduled tick,
// whether or not the file on disk has changed.
type Service struct {
	mu     sync.RWMutex
	reader Reader

	dbPath      string
	openDB      OpenFunc
	cron        *cron.Cron
	cronEntryID cron.EntryID
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 5 12 * *"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = Open
	}
	c := cron.New()
	s := &Service{
		reader: noOpReader{},
		dbPath: cfg.DBPath,
		openDB: cfg.OpenDB,
		cron:   c,
	}

	entryID, err := c.AddFunc(cfg.UpdateSchedule, func() {
		if err := s.Reload(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
	} else {
		s.cronEntryID = entryID
	}

	return s
}

// Start loads the database (if present) and starts the cron scheduler that
// re-checks it for external updates (e.g. an operator dropping a fresh
// .mmdb in place).
func (s *Service) Start() error {
	if s.dbPath == "" {
		log.Println("[geoip] no database path configured, lookups will be empty")
		s.cron.Start()
		return nil
	}
	if _, err := os.Stat(s.dbPath); err != nil {
		if os.IsNotExist(err) {
			log.Printf("[geoip] database %s not found, lookups will be empty until it appears", s.dbPath)
			s.cron.Start()
			return nil
		}
		return fmt.Errorf("geoip: stat %s: %w", s.dbPath, err)
	}
	if err := s.Reload(); err != nil {
		return fmt.Errorf("geoip: initial load: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron scheduler and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = noOpReader{}
	s.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
}

// Reload re-opens the database file from disk, hot-swapping the reader.
// Safe to call concurrently with Lookup: RLock holders finish before the
// old reader is closed.
func (s *Service) Reload() error {
	path := filepath.Clean(s.dbPath)
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Lookup returns the location for the given IP address. Thread-safe: holds
// RLock for the duration of the lookup.
func (s *Service) Lookup(ip net.IP) Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, err := s.reader.Lookup(ip)
	if err != nil {
		return Location{}
	}
	return loc
}

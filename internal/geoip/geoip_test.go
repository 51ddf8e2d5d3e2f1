package geoip

import (
	"net"
	"sync"
	"testing"
)

// mockReader is a test Reader that returns a fixed location.
type mockReader struct {
	loc    Location
	closed bool
	mu     sync.Mutex
}

func (m *mockReader) Lookup(_ net.IP) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loc, nil
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockReader) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestService_Lookup_NoReaderYet(t *testing.T) {
	s := &Service{reader: noOpReader{}}
	if got := s.Lookup(net.ParseIP("1.2.3.4")); got != (Location{}) {
		t.Fatalf("expected zero Location, got %+v", got)
	}
}

func TestService_Reload_SwapsAndClosesOld(t *testing.T) {
	old := &mockReader{loc: Location{Country: "US"}}
	next := &mockReader{loc: Location{Country: "GB", Subdivision: "ENG"}}

	s := &Service{
		reader: old,
		dbPath: "unused",
		openDB: func(string) (Reader, error) { return next, nil },
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !old.isClosed() {
		t.Fatal("expected old reader to be closed after reload")
	}
	got := s.Lookup(net.ParseIP("8.8.8.8"))
	if got.Country != "GB" || got.Subdivision != "ENG" {
		t.Fatalf("Lookup after reload = %+v, want GB/ENG", got)
	}
}

func TestService_Start_NoDBConfigured(t *testing.T) {
	s := NewService(ServiceConfig{OpenDB: func(string) (Reader, error) { return nil, nil }})
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Lookup(net.ParseIP("1.1.1.1")); got != (Location{}) {
		t.Fatalf("expected zero Location with no DB, got %+v", got)
	}
}

func TestService_Start_MissingFile(t *testing.T) {
	s := NewService(ServiceConfig{
		DBPath: "/nonexistent/path/city.mmdb",
		OpenDB: func(string) (Reader, error) { return &mockReader{}, nil },
	})
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("Start with missing file should not error, got: %v", err)
	}
}

func TestLocation_MetroAbsentByDefault(t *testing.T) {
	loc := Location{Country: "SE"}
	if loc.HasMetro {
		t.Fatal("expected HasMetro false by default")
	}
}

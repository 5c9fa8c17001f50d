package trackermanager

import (
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/tracker/trackerhttp"
	"github.com/coreswarm/swarmd/internal/tracker/trackerudp"
)

func TestGetDispatchesByScheme(t *testing.T) {
	m := New()

	ht, err := m.Get("http://tracker.example/announce", time.Second, "swarmd/1.0")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ht.(*trackerhttp.Tracker); !ok {
		t.Fatalf("expected *trackerhttp.Tracker, got %T", ht)
	}

	ut, err := m.Get("udp://tracker.example:80/announce", time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ut.(*trackerudp.Tracker); !ok {
		t.Fatalf("expected *trackerudp.Tracker, got %T", ut)
	}
}

func TestGetRejectsUnknownScheme(t *testing.T) {
	m := New()
	if _, err := m.Get("ftp://tracker.example/announce", time.Second, ""); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestGetReusesUDPDialectPerHost(t *testing.T) {
	m := New()
	a, err := m.Get("udp://tracker.example:6969/announce", time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Get("udp://tracker.example:6969/scrape", time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected same dialect instance to be reused per host")
	}
}

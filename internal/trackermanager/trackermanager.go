// Package trackermanager resolves a tracker announce URL to the
// correct dialect (HTTP(S) or UDP), caching UDP dialects by host so
// trackers sharing a host also share one socket.
package trackermanager

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreswarm/swarmd/internal/tracker"
	"github.com/coreswarm/swarmd/internal/tracker/trackerhttp"
	"github.com/coreswarm/swarmd/internal/tracker/trackerudp"
)

// Manager hands out a tracker.Tracker for a given announce URL.
type Manager struct {
	mu   sync.Mutex
	udp  map[string]*trackerudp.Tracker
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{udp: make(map[string]*trackerudp.Tracker)}
}

// Get parses rawURL and returns the dialect for its scheme.
func (m *Manager) Get(rawURL string, httpTimeout time.Duration, userAgent string) (tracker.Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		client := &http.Client{Timeout: httpTimeout}
		return trackerhttp.New(rawURL, client, userAgent), nil
	case "udp", "udp4", "udp6":
		return m.getUDP(rawURL, u.Host)
	default:
		return nil, fmt.Errorf("trackermanager: unsupported scheme %q", u.Scheme)
	}
}

func (m *Manager) getUDP(rawURL, host string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.udp[host]; ok {
		return t, nil
	}
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	t := trackerudp.New(rawURL, addr)
	m.udp[host] = t
	return t, nil
}

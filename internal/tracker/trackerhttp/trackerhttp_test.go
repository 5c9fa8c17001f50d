package trackerhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zeebo/bencode"

	"github.com/coreswarm/swarmd/internal/tracker"
)

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := bencode.EncodeBytes(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	compact := string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) // 127.0.0.1:6881
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("compact") != "1" {
			t.Fatal("expected compact=1 in query")
		}
		w.Write(encode(t, map[string]interface{}{
			"interval": int64(1800),
			"peers":    compact,
		}))
	}))
	defer srv.Close()

	tr := New(srv.URL, nil, "")
	resp, err := tr.Announce(context.Background(), tracker.Torrent{Port: 6881}, tracker.EventStarted, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(resp.Peers))
	}
	if resp.Peers[0].Port != 6881 {
		t.Fatalf("expected port 6881, got %d", resp.Peers[0].Port)
	}
}

func TestAnnounceFollowsOneRedirectThenFails(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, r.URL.String(), http.StatusFound)
	}))
	defer srv.Close()

	tr := New(srv.URL, nil, "")
	_, err := tr.Announce(context.Background(), tracker.Torrent{Port: 6881}, tracker.EventNone, 0)
	if err != tracker.ErrTooManyRedirects {
		t.Fatalf("expected ErrTooManyRedirects, got %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected exactly 2 requests (1 redirect followed), got %d", hits)
	}
}

func TestAnnounceReturnsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(encode(t, map[string]interface{}{"failure reason": "banned"}))
	}))
	defer srv.Close()

	tr := New(srv.URL, nil, "")
	_, err := tr.Announce(context.Background(), tracker.Torrent{}, tracker.EventNone, 0)
	if err == nil {
		t.Fatal("expected error for failure reason")
	}
}

package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

type fakeProvider struct {
	torrents []interface{}
	updates  []rpctypes.CResourceUpdate
}

func (p *fakeProvider) ListResources(typ rpctypes.ResourceType) ([]interface{}, error) {
	if typ == rpctypes.ResourceTorrent {
		return p.torrents, nil
	}
	return nil, nil
}

func (p *fakeProvider) ApplyUpdate(u rpctypes.CResourceUpdate) error {
	p.updates = append(p.updates, u)
	return nil
}

type fakeFiles struct{ path string }

func (f *fakeFiles) FilePath(id string) (string, error) { return f.path, nil }

func newTestServer(t *testing.T, provider *fakeProvider, files FileServer, token string) (*Server, string) {
	t.Helper()
	s := New(provider, files, token, logger.New("test"))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.Stop() })
	return s, ts.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestQueryOverWebsocketReturnsFilteredResults(t *testing.T) {
	provider := &fakeProvider{
		torrents: []interface{}{
			rpctypes.Torrent{ID: "a", Name: "alpha"},
			rpctypes.Torrent{ID: "b", Name: "beta"},
		},
	}
	_, url := newTestServer(t, provider, &fakeFiles{}, "tok")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(url), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := clientRequest{Query: &queryRequest{Type: rpctypes.ResourceTorrent}}
	b, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env rpctypes.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	var resp serverResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result) != 2 {
		t.Fatalf("expected 2 torrents, got %d", len(resp.Result))
	}
}

func TestUpdateOverWebsocketReachesProvider(t *testing.T) {
	provider := &fakeProvider{}
	_, url := newTestServer(t, provider, &fakeFiles{}, "tok")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(url), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	prio := 5
	req := clientRequest{Update: &rpctypes.CResourceUpdate{ID: "t1", Priority: &prio}}
	b, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if len(provider.updates) != 1 || provider.updates[0].ID != "t1" {
		t.Fatalf("expected update to reach provider, got %+v", provider.updates)
	}
}

func TestBroadcastFansOutToConnectedClient(t *testing.T) {
	provider := &fakeProvider{}
	s, url := newTestServer(t, provider, &fakeFiles{}, "tok")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(url), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the server register the client
	s.Broadcast(rpctypes.TorrentStatus{ID: "a", Status: "Downloading"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env rpctypes.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != "torrent_status" {
		t.Fatalf("unexpected kind: %s", env.Kind)
	}
}

func TestDownloadRejectsWrongToken(t *testing.T) {
	f, err := os.CreateTemp("", "rpc-download-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString("payload")
	f.Close()

	_, url := newTestServer(t, &fakeProvider{}, &fakeFiles{path: f.Name()}, "correct-token")

	resp, err := http.Get(url + "/download/file1?token=wrong")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDownloadServesFileWithCorrectToken(t *testing.T) {
	f, err := os.CreateTemp("", "rpc-download-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString("payload")
	f.Close()

	_, url := newTestServer(t, &fakeProvider{}, &fakeFiles{path: f.Name()}, "correct-token")

	resp, err := http.Get(url + "/download/file1?token=correct-token")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// Package trackerhttp implements the HTTP(S) tracker dialect: a GET
// announce request with compact peer encoding, bencoded response.
package trackerhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/coreswarm/swarmd/internal/tracker"
)

const timeout = 5 * time.Second

// Tracker is the HTTP(S) dialect of tracker.Tracker.
type Tracker struct {
	rawURL    string
	client    *http.Client
	userAgent string
}

// New returns a Tracker for rawURL, using client for requests (nil
// uses a fresh client with the dialect's 5 second deadline and no
// automatic redirect following, since redirects are handled manually
// to enforce the "at most one" rule).
func New(rawURL string, client *http.Client, userAgent string) *Tracker {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Tracker{rawURL: rawURL, client: client, userAgent: userAgent}
}

func (t *Tracker) URL() string { return t.rawURL }

// Announce issues one GET request against the tracker's announce URL,
// following at most one redirect.
func (t *Tracker) Announce(ctx context.Context, tr tracker.Torrent, event tracker.Event, numWant int) (*tracker.Response, error) {
	u, err := announceURL(t.rawURL, tr, event, numWant)
	if err != nil {
		return nil, err
	}
	return t.get(ctx, u, false)
}

func (t *Tracker) get(ctx context.Context, u string, redirected bool) (*tracker.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if redirected {
			return nil, tracker.ErrTooManyRedirects
		}
		loc, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("trackerhttp: redirect without Location")
		}
		return t.get(ctx, loc.String(), true)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trackerhttp: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	// A truncated read at EOF is tolerated: bencode is self-framed, so
	// a short body either decodes fine or fails decoding on its own.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return parseResponse(body)
}

func announceURL(rawURL string, tr tracker.Torrent, event tracker.Event, numWant int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("info_hash", string(tr.InfoHash[:]))
	q.Set("peer_id", string(tr.PeerID[:]))
	q.Set("port", strconv.Itoa(tr.Port))
	q.Set("uploaded", strconv.FormatInt(tr.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(tr.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(tr.BytesLeft, 10))
	q.Set("compact", "1")
	if numWant > 0 {
		q.Set("numwant", strconv.Itoa(numWant))
	}
	if e := event.String(); e != "" {
		q.Set("event", e)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type bencodeResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int32       `bencode:"interval"`
	MinInterval   int32       `bencode:"min interval"`
	Warning       string      `bencode:"warning message"`
	Complete      int32       `bencode:"complete"`
	Incomplete    int32       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
	Peers6        string      `bencode:"peers6"`
}

func parseResponse(body []byte) (*tracker.Response, error) {
	var br bencodeResponse
	if err := bencode.DecodeBytes(body, &br); err != nil {
		return nil, err
	}
	if br.FailureReason != "" {
		return nil, fmt.Errorf("trackerhttp: tracker failure: %s", br.FailureReason)
	}
	peers, err := parsePeers(br.Peers)
	if err != nil {
		return nil, err
	}
	if br.Peers6 != "" {
		peers6, err := parseCompactPeers([]byte(br.Peers6), true)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peers6...)
	}
	return &tracker.Response{
		Interval:    time.Duration(br.Interval) * time.Second,
		MinInterval: time.Duration(br.MinInterval) * time.Second,
		Seeders:     br.Complete,
		Leechers:    br.Incomplete,
		Peers:       peers,
		Warning:     br.Warning,
	}, nil
}

// parsePeers handles both the compact (6-byte-per-peer string) and
// dict-list peer encodings: zeebo/bencode decodes an untyped `peers`
// field into either a Go string or a []interface{} of map[string]interface{}.
func parsePeers(v interface{}) ([]tracker.Peer, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers([]byte(p), false)
	case []interface{}:
		peers := make([]tracker.Peer, 0, len(p))
		for _, e := range p {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("trackerhttp: unexpected peer entry type %T", e)
			}
			ip, _ := d["ip"].(string)
			var port uint16
			switch pv := d["port"].(type) {
			case int64:
				port = uint16(pv)
			case int:
				port = uint16(pv)
			}
			peers = append(peers, tracker.Peer{IP: net.ParseIP(ip), Port: port})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("trackerhttp: unexpected peers field type %T", v)
	}
}

func parseCompactPeers(b []byte, ipv6 bool) ([]tracker.Peer, error) {
	ipLen := net.IPv4len
	if ipv6 {
		ipLen = net.IPv6len
	}
	peerLen := ipLen + 2
	if len(b)%peerLen != 0 {
		return nil, fmt.Errorf("trackerhttp: invalid compact peer list length %d", len(b))
	}
	peers := make([]tracker.Peer, 0, len(b)/peerLen)
	for i := 0; i < len(b); i += peerLen {
		ip := make(net.IP, ipLen)
		copy(ip, b[i:i+ipLen])
		port := uint16(b[i+ipLen])<<8 | uint16(b[i+ipLen+1])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// Package trackerudp implements the BEP 15 UDP tracker dialect: a
// connect/announce handshake over one shared socket, transaction ids
// correlating responses to in-flight requests.
package trackerudp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/coreswarm/swarmd/internal/tracker"
)

const (
	protocolMagic = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	connectionIDLifetime = 60 * time.Second
	retransmitInterval   = 5 * time.Second
	giveUpAfter          = 15 * time.Second
)

// Tracker is the UDP dialect of tracker.Tracker. Multiple Trackers
// pointed at different hosts may share one underlying socket via a
// common transaction-id demultiplexer; here each Tracker owns its own
// socket for simplicity, matching one UDP tracker host per instance.
type Tracker struct {
	rawURL string
	addr   *net.UDPAddr

	mu           sync.Mutex
	conn         *net.UDPConn
	connID       uint64
	connIDExpiry time.Time
}

// New returns a Tracker for rawURL at the already-resolved addr. No
// socket is opened until the first Announce.
func New(rawURL string, addr *net.UDPAddr) *Tracker {
	return &Tracker{rawURL: rawURL, addr: addr}
}

func (t *Tracker) URL() string { return t.rawURL }

func (t *Tracker) getConn() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := net.DialUDP("udp", nil, t.addr)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// Announce runs the connect (if needed) then announce exchange,
// retransmitting every 5 seconds and giving up after 15.
func (t *Tracker) Announce(ctx context.Context, tr tracker.Torrent, event tracker.Event, numWant int) (*tracker.Response, error) {
	conn, err := t.getConn()
	if err != nil {
		return nil, err
	}

	connID, err := t.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := rand.Uint32()
	req := buildAnnounceRequest(connID, txID, tr, event, numWant)

	resp, err := roundTrip(ctx, conn, req, func(b []byte) bool {
		return len(b) >= 8 && binary.BigEndian.Uint32(b[4:8]) == txID
	})
	if err != nil {
		return nil, err
	}
	return parseAnnounceResponse(resp, txID)
}

// connectionID returns a cached, unexpired connection id or performs a
// fresh connect exchange.
func (t *Tracker) connectionID(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	t.mu.Lock()
	if t.conn != nil && time.Now().Before(t.connIDExpiry) {
		id := t.connID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req, protocolMagic)
	binary.BigEndian.PutUint32(req[8:], actionConnect)
	binary.BigEndian.PutUint32(req[12:], txID)

	resp, err := roundTrip(ctx, conn, req, func(b []byte) bool {
		return len(b) >= 16 && binary.BigEndian.Uint32(b[4:8]) == txID
	})
	if err != nil {
		return 0, err
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action == actionError {
		return 0, fmt.Errorf("trackerudp: connect error: %s", resp[8:])
	}
	connID := binary.BigEndian.Uint64(resp[8:16])

	t.mu.Lock()
	t.connID = connID
	t.connIDExpiry = time.Now().Add(connectionIDLifetime)
	t.mu.Unlock()
	return connID, nil
}

func buildAnnounceRequest(connID uint64, txID uint32, tr tracker.Torrent, event tracker.Event, numWant int) []byte {
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:], connID)
	binary.BigEndian.PutUint32(req[8:], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:], txID)
	copy(req[16:36], tr.InfoHash[:])
	copy(req[36:56], tr.PeerID[:])
	binary.BigEndian.PutUint64(req[56:], uint64(tr.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:], uint64(tr.BytesLeft))
	binary.BigEndian.PutUint64(req[72:], uint64(tr.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:], uint32(event))
	binary.BigEndian.PutUint32(req[84:], 0) // ip: default
	binary.BigEndian.PutUint32(req[88:], rand.Uint32())
	if numWant <= 0 {
		binary.BigEndian.PutUint32(req[92:], 0xFFFFFFFF)
	} else {
		binary.BigEndian.PutUint32(req[92:], uint32(numWant))
	}
	binary.BigEndian.PutUint16(req[96:], uint16(tr.Port))
	return req
}

func parseAnnounceResponse(b []byte, txID uint32) (*tracker.Response, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("trackerudp: announce response too short (%d bytes)", len(b))
	}
	action := binary.BigEndian.Uint32(b[0:4])
	if action == actionError {
		return nil, fmt.Errorf("trackerudp: tracker error: %s", b[8:])
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("trackerudp: unexpected action %d", action)
	}
	interval := binary.BigEndian.Uint32(b[8:12])
	leechers := binary.BigEndian.Uint32(b[12:16])
	seeders := binary.BigEndian.Uint32(b[16:20])

	peerBytes := b[20:]
	const peerSize = 6
	peers := make([]tracker.Peer, 0, len(peerBytes)/peerSize)
	for i := 0; i+peerSize <= len(peerBytes); i += peerSize {
		ip := make(net.IP, 4)
		copy(ip, peerBytes[i:i+4])
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}

	return &tracker.Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int32(leechers),
		Seeders:  int32(seeders),
		Peers:    peers,
	}, nil
}

// roundTrip writes req and waits for a response accepted by match,
// retransmitting every 5 seconds until giveUpAfter elapses or ctx is
// cancelled. Responses for stale transaction ids are discarded and the
// wait continues.
func roundTrip(ctx context.Context, conn *net.UDPConn, req []byte, match func([]byte) bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, giveUpAfter)
	defer cancel()

	deadline, _ := ctx.Deadline()
	buf := make([]byte, 2048)

	for {
		if _, err := conn.Write(req); err != nil {
			return nil, err
		}

		retransmitAt := time.Now().Add(retransmitInterval)
		if retransmitAt.After(deadline) {
			retransmitAt = deadline
		}
		if err := conn.SetReadDeadline(retransmitAt); err != nil {
			return nil, err
		}

		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // retransmit
				}
				return nil, err
			}
			if match(buf[:n]) {
				out := make([]byte, n)
				copy(out, buf[:n])
				return out, nil
			}
			// unknown transaction id: keep listening within this window
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("trackerudp: %w", ctx.Err())
		default:
		}
	}
}

package peer

import (
	"net"
	"testing"

	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/peerconn"
	"github.com/coreswarm/swarmd/internal/piece"
)

func newTestPeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	pool := bufferpool.New(4, 16*1024)
	conn := peerconn.New(server, [20]byte{1}, [8]byte{}, pool, logger.New("test"), 8)
	return New(conn, 4), client
}

func TestChokeUnchokeAreIdempotent(t *testing.T) {
	p, _ := newTestPeer(t)
	if !p.AmChoking {
		t.Fatal("expected peers to start choked")
	}
	p.Unchoke()
	if p.AmChoking {
		t.Fatal("expected AmChoking false after Unchoke")
	}
	p.Unchoke() // no-op, must not panic or resend
	p.Choke()
	if !p.AmChoking {
		t.Fatal("expected AmChoking true after Choke")
	}
}

func TestSetInterestedOnlySendsOnTransition(t *testing.T) {
	p, _ := newTestPeer(t)
	p.SetInterested(true)
	if !p.AmInterested {
		t.Fatal("expected AmInterested true")
	}
	p.SetInterested(true)
	p.SetInterested(false)
	if p.AmInterested {
		t.Fatal("expected AmInterested false")
	}
}

func TestRequestBookkeeping(t *testing.T) {
	p, _ := newTestPeer(t)
	pc := &piece.Piece{Index: 0, Length: 16 * 1024}
	b := piece.Block{Index: 0, Begin: 0, Length: 16 * 1024}
	p.Request(pc, b)
	if p.RequestCount() != 1 {
		t.Fatalf("expected 1 outstanding request, got %d", p.RequestCount())
	}
	p.CancelRequest(b)
	if p.RequestCount() != 0 {
		t.Fatalf("expected 0 outstanding requests after cancel, got %d", p.RequestCount())
	}
}

func TestBitfieldAndHaveUpdates(t *testing.T) {
	p, _ := newTestPeer(t)
	if p.HasPiece(1) {
		t.Fatal("expected no pieces initially")
	}
	p.MarkHave(1)
	if !p.HasPiece(1) {
		t.Fatal("expected piece 1 marked available")
	}
}

func TestChokePeriodCounters(t *testing.T) {
	p, _ := newTestPeer(t)
	p.RecordDownload(100)
	p.RecordUpload(50)
	if p.BytesDownlaodedInChokePeriod != 100 || p.BytesUploadedInChokePeriod != 50 {
		t.Fatal("expected counters to accumulate")
	}
	p.ResetChokePeriodCounters()
	if p.BytesDownlaodedInChokePeriod != 0 || p.BytesUploadedInChokePeriod != 0 {
		t.Fatal("expected counters reset to zero")
	}
}

package session

import (
	"net"
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/peerconn"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

func testPeerioPeer(t *testing.T, numPieces uint32) (*peer.Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	pool := bufferpool.New(4, 16*1024)
	conn := peerconn.New(server, [20]byte{1}, [8]byte{}, pool, logger.New("test"), 8)
	go conn.Run()
	t.Cleanup(conn.Close)
	return peer.New(conn, numPieces), client
}

// assertConnClosed confirms the remote end observes the connection
// going away, which is how an out-of-range index violation is expected
// to surface: the peer is dropped, not a panic.
func assertConnClosed(t *testing.T, client net.Conn) {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestHaveMessageOutOfRangeClosesConn(t *testing.T) {
	tr := &Torrent{}
	pe, client := testPeerioPeer(t, 4)

	tr.handleMessage(peer.Message{Peer: pe, Message: peerprotocol.HaveMessage{Index: 4}})

	assertConnClosed(t, client)
}

func TestHaveMessageInRangeIsAccepted(t *testing.T) {
	tr := &Torrent{}
	pe, _ := testPeerioPeer(t, 4)

	tr.handleMessage(peer.Message{Peer: pe, Message: peerprotocol.HaveMessage{Index: 2}})

	if !pe.HasPiece(2) {
		t.Fatal("expected piece 2 to be marked as had")
	}
}

func TestRequestMessageOutOfRangeClosesConn(t *testing.T) {
	tr := &Torrent{diskWorker: diskio.NewWorker(nil, nil, nil, 1)}
	pe, client := testPeerioPeer(t, 4)
	pe.Unchoke()

	tr.serveRequest(pe, peerprotocol.RequestMessage{Index: 4, Begin: 0, Length: 16})

	assertConnClosed(t, client)
}

package outgoinghandshaker

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

func TestRunCompletesHandshakeAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	infoHash := [20]byte{4, 5, 6}
	theirID := [20]byte{0xCC}
	ourID := [20]byte{0xDD}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, peerprotocol.HandshakeLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		resp := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: infoHash, PeerID: theirID}
		conn.Write(resp.Encode())
	}()

	addr := ln.Addr().(*net.TCPAddr)
	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(time.Second, time.Second, ourID, infoHash, resultC)

	select {
	case res := <-resultC:
		if res.Error != nil {
			t.Fatalf("unexpected error: %v", res.Error)
		}
		if res.PeerID != theirID {
			t.Fatalf("expected peer id %x, got %x", theirID, res.PeerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRunFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // free the port so the dial is refused

	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(time.Second, time.Second, [20]byte{}, [20]byte{}, resultC)

	select {
	case res := <-resultC:
		if res.Error == nil {
			t.Fatal("expected dial error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

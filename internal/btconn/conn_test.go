package btconn

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

func TestHandshakeOutgoingAcceptsValidPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1, 2, 3}
	ourID := [20]byte{0xAA}
	theirID := [20]byte{0xBB}

	resultC := make(chan *Conn, 1)
	errC := make(chan error, 1)
	go func() {
		c, err := handshake(client, infoHash, ourID)
		if err != nil {
			errC <- err
			return
		}
		resultC <- c
	}()

	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatal(err)
	}
	theirHandshake := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: infoHash, PeerID: theirID}
	if _, err := server.Write(theirHandshake.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-resultC:
		if c.Handshake.PeerID != theirID {
			t.Fatalf("expected peer id %x, got %x", theirID, c.Handshake.PeerID)
		}
	case err := <-errC:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestHandshakeRejectsOwnID(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1, 2, 3}
	ourID := [20]byte{0xAA}

	errC := make(chan error, 1)
	go func() {
		_, err := handshake(client, infoHash, ourID)
		errC <- err
	}()

	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatal(err)
	}
	loopback := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: infoHash, PeerID: ourID}
	if _, err := server.Write(loopback.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if err != ErrOwnConnection {
			t.Fatalf("expected ErrOwnConnection, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestAcceptRejectsUnknownInfoHash(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ourID := [20]byte{0xAA}
	incoming := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: [20]byte{9, 9, 9}, PeerID: [20]byte{1}}

	errC := make(chan error, 1)
	go func() {
		_, err := Accept(server, ourID, func([20]byte) bool { return false })
		errC <- err
	}()

	if _, err := client.Write(incoming.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if err != errInvalidInfoHash {
			t.Fatalf("expected errInvalidInfoHash, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

package peerprotocol

import (
	"bytes"
	"fmt"
)

// HandshakeLen is the fixed size of the BitTorrent handshake.
const HandshakeLen = 68

var protocolString = []byte("BitTorrent protocol")

// Reserved bits this implementation sets on outgoing handshakes.
const (
	// ReservedExtensionProtocol is byte 5, bit 0x10 (BEP 10).
	ReservedExtensionProtocol = 0x10
	// ReservedDHT is byte 7, bit 0x01 (BEP 5).
	ReservedDHT = 0x01
)

// OurReserved is the reserved-bytes value sent on every outgoing and
// incoming handshake by this implementation.
var OurReserved = [8]byte{0, 0, 0, 0, 0, ReservedExtensionProtocol, 0, ReservedDHT}

// Handshake is the decoded 68-byte BitTorrent handshake:
// [1:pstrlen][19:pstr][8:reserved][20:infohash][20:peer_id].
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode writes the handshake into a 68-byte buffer.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], protocolString)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte buffer into a Handshake. It fails if
// the protocol string does not match exactly.
func DecodeHandshake(buf []byte) (Handshake, error) {
	var h Handshake
	if len(buf) != HandshakeLen {
		return h, fmt.Errorf("peerprotocol: invalid handshake length %d", len(buf))
	}
	if buf[0] != 19 || !bytes.Equal(buf[1:20], protocolString) {
		return h, fmt.Errorf("peerprotocol: invalid protocol string")
	}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// HasExtensionProtocol reports whether the BEP 10 extension protocol bit
// is set in the reserved bytes.
func (h Handshake) HasExtensionProtocol() bool {
	return h.Reserved[5]&ReservedExtensionProtocol != 0
}

// HasDHT reports whether the BEP 5 DHT bit is set in the reserved bytes.
func (h Handshake) HasDHT() bool {
	return h.Reserved[7]&ReservedDHT != 0
}

package peerprotocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	buf := Encode(m, nil)
	if uint32(len(buf)) != EncodedLen(m) {
		t.Fatalf("len(encode(m))=%d != EncodedLen(m)=%d", len(buf), EncodedLen(m))
	}
	frameLen := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	id := MessageID(buf[4])
	got, err := DecodePayload(id, buf[5:5+frameLen-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripFixedMessages(t *testing.T) {
	cases := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 42},
		RequestMessage{Index: 1, Begin: 2, Length: 3},
		CancelMessage{Index: 1, Begin: 2, Length: 3},
		PortMessage{Port: 6881},
		BitfieldMessage{Data: []byte{0xFF, 0x00}},
		PieceMessage{Index: 5, Begin: 16384, Data: []byte("hello")},
		ExtensionMessage{ExtendedMessageID: 1, Payload: []byte{1, 2, 3}},
	}
	for _, m := range cases {
		got := roundTrip(t, m)
		if got.ID() != m.ID() {
			t.Fatalf("id mismatch: got %v want %v", got.ID(), m.ID())
		}
		if EncodedLen(got) != EncodedLen(m) {
			t.Fatalf("re-encoded length mismatch for %T", m)
		}
	}
}

func TestDecodeRejectsUnknownID(t *testing.T) {
	if _, err := DecodePayload(MessageID(99), nil); err == nil {
		t.Fatal("expected error for unknown message id")
	}
}

func TestDecodeRejectsOversizedBitfield(t *testing.T) {
	big := make([]byte, MaxBlockSize+1)
	if _, err := DecodePayload(Bitfield, big); err == nil {
		t.Fatal("expected error for oversized bitfield")
	}
}

func TestHandshakeEncodeDecode(t *testing.T) {
	var hash [20]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	var id [20]byte
	for i := range id {
		id[i] = byte(i + 100)
	}
	h := Handshake{Reserved: OurReserved, InfoHash: hash, PeerID: id}
	buf := h.Encode()
	if len(buf) != HandshakeLen {
		t.Fatalf("expected %d bytes, got %d", HandshakeLen, len(buf))
	}
	got, err := DecodeHandshake(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.InfoHash != hash || got.PeerID != id {
		t.Fatal("round-trip mismatch")
	}
	if !got.HasExtensionProtocol() || !got.HasDHT() {
		t.Fatal("expected extension+dht reserved bits set")
	}
}

func TestHandshakeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], bytes.Repeat([]byte{'x'}, 19))
	if _, err := DecodeHandshake(buf); err == nil {
		t.Fatal("expected error for bad protocol string")
	}
}

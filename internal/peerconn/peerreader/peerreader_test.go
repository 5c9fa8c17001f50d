package peerreader

import (
	"testing"

	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

func newDecoder() *Decoder {
	return New(bufferpool.New(4, peerprotocol.MaxBlockSize))
}

func TestBitfieldThenHave(t *testing.T) {
	d := newDecoder()
	// 32-piece bitfield, all set: 4 bytes of 0xFF.
	frame1 := []byte{0x00, 0x00, 0x00, 0x05, 0x05, 0xFF, 0xFF, 0xFF, 0xFF}
	msgs, stalled, err := d.Feed(frame1)
	if err != nil || stalled {
		t.Fatalf("feed1: err=%v stalled=%v", err, stalled)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	bf, ok := msgs[0].(peerprotocol.BitfieldMessage)
	if !ok {
		t.Fatalf("expected BitfieldMessage, got %T", msgs[0])
	}
	if len(bf.Data) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(bf.Data))
	}

	frame2 := []byte{0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0x20}
	msgs, stalled, err = d.Feed(frame2)
	if err != nil || stalled {
		t.Fatalf("feed2: err=%v stalled=%v", err, stalled)
	}
	have, ok := msgs[0].(peerprotocol.HaveMessage)
	if !ok {
		t.Fatalf("expected HaveMessage, got %T", msgs[0])
	}
	if have.Index != 32 {
		t.Fatalf("expected index 32, got %d", have.Index)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending bytes, got %d", d.Pending())
	}
}

func TestPartialFrameAcrossChunks(t *testing.T) {
	d := newDecoder()
	full := peerprotocol.Encode(peerprotocol.HaveMessage{Index: 7}, nil)
	msgs, _, err := d.Feed(full[:3])
	if err != nil {
		t.Fatalf("feed partial: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages yet, got %d", len(msgs))
	}
	msgs, _, err = d.Feed(full[3:])
	if err != nil {
		t.Fatalf("feed rest: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestKeepAlive(t *testing.T) {
	d := newDecoder()
	msgs, _, err := d.Feed([]byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].(KeepAlive); !ok {
		t.Fatalf("expected KeepAlive, got %T", msgs[0])
	}
}

func TestStallsOnPoolExhaustion(t *testing.T) {
	pool := bufferpool.New(1, peerprotocol.MaxBlockSize)
	d := New(pool)
	buf1, _ := pool.Get() // exhaust the pool's one slot up front
	frame := peerprotocol.Encode(peerprotocol.PieceMessage{Index: 0, Begin: 0, Data: []byte("x")}, nil)
	msgs, stalled, err := d.Feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !stalled {
		t.Fatal("expected stalled=true with pool exhausted")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages while stalled, got %d", len(msgs))
	}
	pool.Put(buf1)
	msgs, stalled, err = d.Feed(nil)
	if err != nil || stalled {
		t.Fatalf("retry: err=%v stalled=%v", err, stalled)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after retry, got %d", len(msgs))
	}
}

func TestUnknownIDFatal(t *testing.T) {
	d := newDecoder()
	frame := []byte{0, 0, 0, 1, 99}
	_, _, err := d.Feed(frame)
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
}

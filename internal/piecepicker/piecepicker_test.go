package piecepicker

import (
	"net"
	"testing"

	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/peerconn"
	"github.com/coreswarm/swarmd/internal/piece"
)

func newTestPeer(t *testing.T, numPieces uint32, have []uint32) *peer.Peer {
	t.Helper()
	_, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	pool := bufferpool.New(4, 16*1024)
	conn := peerconn.New(server, [20]byte{byte(len(have)) + 1}, [8]byte{}, pool, logger.New("test"), 8)
	p := peer.New(conn, numPieces)
	bf := bitfield.New(numPieces)
	for _, i := range have {
		bf.Set(i)
	}
	p.UpdateBitfield(bf)
	return p
}

func fourPieces() []piece.Piece {
	hashes := make([][20]byte, 4)
	return piece.NewPieces(hashes, 2*piece.BlockSize, 4*2*int64(piece.BlockSize))
}

func TestPickRespectsPossessionAndAvailability(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Rarest)

	pr := newTestPeer(t, 4, []uint32{0, 2})
	pk.AddPeer(pr.Bitfield)

	b, ok := pk.Pick(pr)
	if !ok {
		t.Fatal("expected a pick")
	}
	if b.Index != 0 && b.Index != 2 {
		t.Fatalf("picked block not held by peer: %+v", b)
	}
}

func TestPickReturnsFalseWhenPeerHasNothingNew(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Rarest)
	pr := newTestPeer(t, 4, nil)
	pk.AddPeer(pr.Bitfield)
	if _, ok := pk.Pick(pr); ok {
		t.Fatal("expected no pick for a peer with an empty bitfield")
	}
}

func TestCompletedMarksPieceDoneOnLastBlock(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Sequential)
	pr := newTestPeer(t, 4, []uint32{0, 1, 2, 3})
	pk.AddPeer(pr.Bitfield)

	b1, _ := pk.Pick(pr)
	complete, _ := pk.Completed(b1)
	if complete {
		t.Fatal("piece should not be complete after only one of two blocks")
	}
	b2, ok := pk.Pick(pr)
	if !ok {
		t.Fatal("expected a second block pick from the same piece")
	}
	complete, _ = pk.Completed(b2)
	if !complete {
		t.Fatal("expected piece complete once both blocks are in")
	}
	if pk.Missing() != 3 {
		t.Fatalf("expected 3 pieces still missing, got %d", pk.Missing())
	}
}

func TestInvalidateResetsPieceForRepick(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Sequential)
	pr := newTestPeer(t, 4, []uint32{0, 1, 2, 3})
	pk.AddPeer(pr.Bitfield)

	b1, _ := pk.Pick(pr)
	pk.Completed(b1)
	b2, _ := pk.Pick(pr)
	pk.Completed(b2)
	if pk.Missing() != 3 {
		t.Fatalf("expected piece 0 complete, missing=%d", pk.Missing())
	}

	pk.Invalidate(0)
	if pk.Missing() != 4 {
		t.Fatalf("expected invalidate to restore missing count, got %d", pk.Missing())
	}
	b, ok := pk.Pick(pr)
	if !ok {
		t.Fatal("expected a pick after invalidate")
	}
	if b.Index != 0 || b.Begin != 0 {
		t.Fatalf("expected invalidate to restart from block 0 of piece 0, got %+v", b)
	}
}

func TestEndgameAllowsDuplicateRequesters(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Sequential)
	pk.SetEndgameParams(10, 2) // always in endgame for this 4-piece test

	p1 := newTestPeer(t, 4, []uint32{0, 1, 2, 3})
	p2 := newTestPeer(t, 4, []uint32{0, 1, 2, 3})
	pk.AddPeer(p1.Bitfield)
	pk.AddPeer(p2.Bitfield)

	b1, ok1 := pk.Pick(p1)
	b2, ok2 := pk.Pick(p2)
	if !ok1 || !ok2 {
		t.Fatal("expected both peers to get a pick")
	}
	if b1 != b2 {
		t.Fatalf("expected endgame to hand out the same block to both peers first, got %+v vs %+v", b1, b2)
	}

	_, others := pk.Completed(b1)
	if len(others) != 1 || others[0] != p2 {
		t.Fatalf("expected the other requester to be returned for cancellation, got %v", others)
	}
}

func TestRemovePeerReleasesItsRequests(t *testing.T) {
	pcs := fourPieces()
	pk := New(pcs, Sequential)
	// Keep the picker out of endgame, so pr2 can only get the block if
	// RemovePeer released it.
	pk.SetEndgameParams(0, 1)
	pr := newTestPeer(t, 4, []uint32{0})
	pk.AddPeer(pr.Bitfield)

	b, ok := pk.Pick(pr)
	if !ok {
		t.Fatal("expected a pick")
	}
	pk.RemovePeer(pr, pr.Bitfield)

	pr2 := newTestPeer(t, 4, []uint32{0})
	pk.AddPeer(pr2.Bitfield)
	b2, ok := pk.Pick(pr2)
	if !ok {
		t.Fatal("expected the block freed by RemovePeer to be pickable again")
	}
	if b2 != b {
		t.Fatalf("expected the same first block to be offered again, got %+v want %+v", b2, b)
	}
}

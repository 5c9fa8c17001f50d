package piece

import "testing"

func TestBlockLen(t *testing.T) {
	const pieceLength = 16384 + 100
	if got := BlockLen(pieceLength, 0); got != BlockSize {
		t.Fatalf("expected full block, got %d", got)
	}
	if got := BlockLen(pieceLength, 1); got != 100 {
		t.Fatalf("expected short tail block of 100, got %d", got)
	}
	if got := BlockLen(pieceLength, 2); got != 0 {
		t.Fatalf("expected 0 beyond piece, got %d", got)
	}
}

func TestNewPiecesLastPieceShort(t *testing.T) {
	hashes := make([][20]byte, 3)
	pieces := NewPieces(hashes, 16384, 16384*2+100)
	if pieces[2].Length != 100 {
		t.Fatalf("expected short last piece, got %d", pieces[2].Length)
	}
	if len(pieces[2].Blocks) != 1 {
		t.Fatalf("expected 1 block in short last piece, got %d", len(pieces[2].Blocks))
	}
	if pieces[0].Length != 16384 || len(pieces[0].Blocks) != 1 {
		t.Fatalf("expected full first piece with 1 block, got len=%d blocks=%d", pieces[0].Length, len(pieces[0].Blocks))
	}
}

package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/zeebo/bencode"
)

func encodeInfo(t *testing.T, raw rawInfo) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(raw); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestNewInfoSingleFile(t *testing.T) {
	h := sha1.Sum(bytes.Repeat([]byte{'A'}, 16384))
	raw := rawInfo{
		Name:        "file.bin",
		PieceLength: 16384,
		Pieces:      string(h[:]),
		Length:      16384,
	}
	b := encodeInfo(t, raw)
	info, err := NewInfo(b)
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	if info.NumPieces() != 1 {
		t.Fatalf("expected 1 piece, got %d", info.NumPieces())
	}
	if info.Length != 16384 {
		t.Fatalf("expected length 16384, got %d", info.Length)
	}
	if info.PieceIndex[0].FileIndex != 0 || info.PieceIndex[0].Offset != 0 {
		t.Fatalf("unexpected piece index: %+v", info.PieceIndex[0])
	}
}

func TestPieceIndexMultiFileStraddle(t *testing.T) {
	// Two files: 10 bytes then 30 bytes. Piece length 16.
	// Piece 0: bytes [0,16) -> file0[0:10), file1[0:6)
	// Piece 1: bytes [16,32) -> file1[6:22)
	// Piece 2: bytes [32,40) -> file1[22:30)
	pieces := make([]byte, 20*3)
	raw := rawInfo{
		Name:        "multi",
		PieceLength: 16,
		Pieces:      string(pieces),
		Files: []File{
			{Path: []string{"a"}, Length: 10},
			{Path: []string{"b"}, Length: 30},
		},
	}
	b := encodeInfo(t, raw)
	info, err := NewInfo(b)
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	if info.Length != 40 {
		t.Fatalf("expected total length 40, got %d", info.Length)
	}
	want := []PieceLocation{
		{FileIndex: 0, Offset: 0},
		{FileIndex: 1, Offset: 6},
		{FileIndex: 1, Offset: 22},
	}
	for i, w := range want {
		if info.PieceIndex[i] != w {
			t.Fatalf("piece %d: got %+v, want %+v", i, info.PieceIndex[i], w)
		}
	}
}

// Package piece defines the block decomposition of a torrent's pieces.
package piece

// BlockSize is the fixed transfer unit; only the last block of the last
// piece may be shorter.
const BlockSize = 16 * 1024

// Block is a (piece_index, offset, length) unit of transfer. BlockIndex
// additionally records the block's ordinal position within its piece's
// Blocks slice, for O(1) lookup by downloaders.
type Block struct {
	Index      uint32
	Begin      uint32
	Length     uint32
	BlockIndex uint32
}

// Piece is one fixed-size (except possibly the last) range of content
// covered by a single SHA-1 hash, divided into blocks.
type Piece struct {
	Index  uint32
	Length uint32
	Hash   [20]byte
	Blocks []Block

	// Done is set once all blocks have been written to disk and the
	// piece hash has been verified.
	Done bool
	// Writing is set while a write for this piece is outstanding.
	Writing bool
}

// NumBlocks returns how many blocks a piece of the given length splits
// into.
func NumBlocks(pieceLength uint32) uint32 {
	n := pieceLength / BlockSize
	if pieceLength%BlockSize != 0 {
		n++
	}
	return n
}

// BlockLen computes the length of block i within a piece of the given
// length (the last block may be short).
func BlockLen(pieceLength, blockIndex uint32) uint32 {
	begin := blockIndex * BlockSize
	if begin >= pieceLength {
		return 0
	}
	if begin+BlockSize > pieceLength {
		return pieceLength - begin
	}
	return BlockSize
}

// NewPieces builds the Piece slice for a torrent given its piece
// hashes, the common piece length, and the total content length (used
// to compute the final piece's true length).
func NewPieces(hashes [][20]byte, pieceLength uint32, totalLength int64) []Piece {
	pieces := make([]Piece, len(hashes))
	for i := range hashes {
		length := pieceLength
		if i == len(hashes)-1 {
			rem := totalLength - int64(pieceLength)*int64(len(hashes)-1)
			length = uint32(rem)
		}
		p := Piece{
			Index:  uint32(i),
			Length: length,
			Hash:   hashes[i],
		}
		nb := NumBlocks(length)
		p.Blocks = make([]Block, nb)
		for b := uint32(0); b < nb; b++ {
			p.Blocks[b] = Block{
				Index:      p.Index,
				Begin:      b * BlockSize,
				Length:     BlockLen(length, b),
				BlockIndex: b,
			}
		}
		pieces[i] = p
	}
	return pieces
}

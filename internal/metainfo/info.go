package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/zeebo/bencode"
)

// File is one entry of a multi-file torrent's file list.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// PieceLocation is the (file_index, offset_within_file) of a piece's
// first byte, as precomputed by the piece index.
type PieceLocation struct {
	FileIndex int
	Offset    int64
}

// rawInfo mirrors the bencoded "info" dictionary shape for both
// single-file and multi-file torrents.
type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength uint32 `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
}

// Info is the immutable identity of a content bundle: name, total
// length, piece length, ordered piece hashes, ordered file list, the
// private flag, the 20-byte infohash, and a precomputed piece index.
type Info struct {
	Name        string
	Length      int64
	PieceLength uint32
	Hashes      [][20]byte
	Files       []File
	Private     int
	Hash        [20]byte
	InfoSize    uint32

	// Bytes is the raw bencoded info dictionary, kept so the info
	// section can be re-served verbatim to magnet-link peers.
	Bytes []byte

	// PieceIndex maps piece index to its first byte's file location.
	// Regenerated whenever absent (e.g. after a fresh decode).
	PieceIndex []PieceLocation
}

// NewInfo decodes a bencoded info dictionary and derives the piece
// index and infohash.
func NewInfo(b []byte) (*Info, error) {
	var raw rawInfo
	if err := bencode.DecodeBytes(b, &raw); err != nil {
		return nil, err
	}
	if raw.PieceLength == 0 {
		return nil, fmt.Errorf("metainfo: zero piece length")
	}
	if len(raw.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: invalid pieces string length %d", len(raw.Pieces))
	}
	numPieces := len(raw.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Pieces[i*20:(i+1)*20])
	}

	var files []File
	var total int64
	if len(raw.Files) > 0 {
		files = raw.Files
		for _, f := range raw.Files {
			total += f.Length
		}
	} else {
		files = []File{{Path: []string{raw.Name}, Length: raw.Length}}
		total = raw.Length
	}

	info := &Info{
		Name:        raw.Name,
		Length:      total,
		PieceLength: raw.PieceLength,
		Hashes:      hashes,
		Files:       files,
		Private:     raw.Private,
		Hash:        sha1.Sum(b),
		InfoSize:    uint32(len(b)),
		Bytes:       b,
	}
	info.PieceIndex = buildPieceIndex(info)
	return info, nil
}

// buildPieceIndex computes, for each piece, the (file_index,
// offset_within_file) of its first byte, from the file list and piece
// length.
func buildPieceIndex(info *Info) []PieceLocation {
	index := make([]PieceLocation, len(info.Hashes))

	fileIdx := 0
	fileOffset := int64(0)
	remainingInFile := int64(0)
	if len(info.Files) > 0 {
		remainingInFile = info.Files[0].Length
	}

	for p := range index {
		// Advance past any zero-length or exhausted files so the
		// location always points at real content (or the final file's
		// end for a fully-consumed torrent).
		for remainingInFile == 0 && fileIdx < len(info.Files)-1 {
			fileIdx++
			fileOffset = 0
			remainingInFile = info.Files[fileIdx].Length
		}
		index[p] = PieceLocation{FileIndex: fileIdx, Offset: fileOffset}

		toConsume := int64(info.PieceLength)
		for toConsume > 0 && fileIdx < len(info.Files) {
			n := toConsume
			if n > remainingInFile {
				n = remainingInFile
			}
			fileOffset += n
			remainingInFile -= n
			toConsume -= n
			if remainingInFile == 0 && fileIdx < len(info.Files)-1 {
				fileIdx++
				fileOffset = 0
				remainingInFile = info.Files[fileIdx].Length
			} else if remainingInFile == 0 {
				break
			}
		}
	}
	return index
}

// NumPieces returns the number of pieces in the torrent.
func (info *Info) NumPieces() int { return len(info.Hashes) }

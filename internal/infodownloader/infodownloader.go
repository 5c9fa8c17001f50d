// Package infodownloader fetches the info dictionary from a peer over
// the BEP 9 ut_metadata extension, used for magnet-link torrents that
// start with only an infohash.
package infodownloader

import (
	"fmt"

	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

const blockSize = peerprotocol.MetadataPieceSize

// InfoDownloader downloads the info dictionary, piece by piece, from a
// peer that has already completed the extension handshake and
// advertised a metadata_size.
type InfoDownloader struct {
	Peer  *peer.Peer
	Bytes []byte

	blocks         []block
	requested      map[uint32]struct{}
	nextBlockIndex uint32
}

type block struct {
	size uint32
}

// New builds a downloader against pe, which must already have a
// non-nil ExtensionHandshake with MetadataSize set.
func New(pe *peer.Peer) *InfoDownloader {
	d := &InfoDownloader{
		Peer:      pe,
		Bytes:     make([]byte, pe.ExtensionHandshake.MetadataSize),
		requested: make(map[uint32]struct{}),
	}
	d.blocks = d.createBlocks()
	return d
}

// GotBlock records a metadata piece received from the peer.
func (d *InfoDownloader) GotBlock(index uint32, data []byte) error {
	if _, ok := d.requested[index]; !ok {
		return fmt.Errorf("infodownloader: peer sent unrequested metadata piece %d", index)
	}
	b := &d.blocks[index]
	if uint32(len(data)) != b.size {
		return fmt.Errorf("infodownloader: peer sent metadata piece %d with wrong size %d", index, len(data))
	}
	delete(d.requested, index)
	begin := index * blockSize
	end := begin + b.size
	copy(d.Bytes[begin:end], data)
	return nil
}

func (d *InfoDownloader) createBlocks() []block {
	size := d.Peer.ExtensionHandshake.MetadataSize
	numBlocks := size / blockSize
	mod := size % blockSize
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]block, numBlocks)
	for i := range blocks {
		blocks[i] = block{size: blockSize}
	}
	if mod != 0 && len(blocks) > 0 {
		blocks[len(blocks)-1].size = mod
	}
	return blocks
}

// RequestBlocks issues metadata piece requests until queueLength are
// outstanding or every piece has been requested at least once.
func (d *InfoDownloader) RequestBlocks(queueLength int) {
	for ; d.nextBlockIndex < uint32(len(d.blocks)) && len(d.requested) < queueLength; d.nextBlockIndex++ {
		req := peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeRequest,
			Piece: d.nextBlockIndex,
		}
		payload, err := req.Marshal()
		if err != nil {
			// Only fails on an encoder bug; the struct has no cyclic or
			// unsupported fields, so this is treated as unreachable.
			panic(err)
		}
		msg := peerprotocol.ExtensionMessage{
			ExtendedMessageID: d.Peer.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata],
			Payload:           payload,
		}
		d.Peer.SendMessage(msg)
		d.requested[d.nextBlockIndex] = struct{}{}
	}
}

// Done reports whether every metadata piece has been requested and
// received.
func (d *InfoDownloader) Done() bool {
	return d.nextBlockIndex == uint32(len(d.blocks)) && len(d.requested) == 0
}

package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io/ioutil"
	"time"

	"github.com/zeebo/bencode"

	"github.com/coreswarm/swarmd/internal/addrlist"
	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/infodownloader"
	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
	"github.com/coreswarm/swarmd/internal/pex"
	"github.com/coreswarm/swarmd/internal/piecedownloader"
	"github.com/coreswarm/swarmd/internal/resumer"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

func newPEX() *pex.PEX { return pex.New() }

// handleMessage dispatches one decoded, non-Piece peer-wire message to
// the appropriate handler; Piece frames arrive on a separate channel
// since only the torrent can resolve them to a piece.Block (see
// handleRawPiece).
func (t *Torrent) handleMessage(m peer.Message) {
	pe := m.Peer
	switch v := m.Message.(type) {
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(v.Data, pe.Bitfield.Len())
		if err != nil {
			pe.CloseConn()
			return
		}
		pe.UpdateBitfield(bf)
		if t.picker != nil {
			t.picker.AddPeer(bf)
		}
		t.updateInterest(pe)

	case peerprotocol.HaveMessage:
		if v.Index >= pe.Bitfield.Len() {
			pe.CloseConn()
			return
		}
		pe.MarkHave(v.Index)
		if t.picker != nil {
			t.picker.PieceAvailable(v.Index)
		}
		t.updateInterest(pe)

	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true

	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false

	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		t.requeueOutstanding(pe)

	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		t.fillRequests(pe)

	case peerprotocol.RequestMessage:
		t.serveRequest(pe, v)

	case peerprotocol.CancelMessage:
		// Best-effort: the writer may already be mid-flight on this
		// block; nothing to cancel on our side once queued.

	case peerprotocol.PortMessage:
		// The DHT node joins the network through its own bootstrap
		// routers; a peer's advertised DHT port isn't fed back in since
		// dhtannounce.Node exposes no API to seed individual nodes.

	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, v)
	}
}

// updateInterest tells the peer whether we want anything it has that
// we don't, driving the BEP 3 interested/not-interested transition.
func (t *Torrent) updateInterest(pe *peer.Peer) {
	if t.bf == nil {
		return
	}
	pe.SetInterested(t.bf.Usable(pe.Bitfield))
	if pe.AmInterested && !pe.PeerChoking {
		t.fillRequests(pe)
	}
}

// fillRequests starts a new piecedownloader for pe if it isn't already
// driving one: a PieceDownloader owns a whole piece's block pacing and
// requesting for exactly one peer, so the torrent's only job here is
// picking which piece that peer should fetch next.
func (t *Torrent) fillRequests(pe *peer.Peer) {
	if t.picker == nil {
		return
	}
	for idx, pd := range t.pieceDownloaders {
		if pd.Peer == pe {
			_ = idx
			return
		}
	}
	b, ok := t.picker.Pick(pe)
	if !ok {
		return
	}
	if _, exists := t.pieceDownloaders[b.Index]; exists {
		return
	}
	t.startPieceDownload(b.Index, pe)
}

// startPieceDownload launches a piecedownloader for index against pe
// and arms its timeout timer.
func (t *Torrent) startPieceDownload(index uint32, pe *peer.Peer) {
	pd := piecedownloader.New(&t.pcs[index], pe)
	t.pieceDownloaders[index] = pd
	stopC := make(chan struct{})
	t.pieceDownloaderC[index] = stopC
	go pd.Run(stopC)
	t.pieceTimers[index] = time.AfterFunc(t.cfg.PieceTimeout, func() {
		select {
		case t.pieceTimeoutC <- index:
		default:
		}
	})
}

// requeueOutstanding drops every request this peer had outstanding
// when it chokes us; the picker keeps the piece marked requested until
// the peer disconnects (see the documented RemovePeer limitation in
// run.go), so these blocks are only retried once another peer is
// picked for the same piece or this peer unchokes again.
func (t *Torrent) requeueOutstanding(pe *peer.Peer) {
	for b := range pe.OutstandingRequests {
		pe.CancelRequest(b)
	}
}

// handleRawPiece resolves a wire-level Piece frame to a piece.Block by
// consulting the owning piecedownloader, then forwards it there for
// assembly.
func (t *Torrent) handleRawPiece(raw peer.RawPieceMessage) {
	pe := raw.Peer
	pd, ok := t.pieceDownloaders[raw.Index]
	if !ok || pd.Peer != pe {
		return
	}
	blockIndex := raw.Begin / peerprotocol.MaxBlockSize
	if int(blockIndex) >= len(pd.Piece.Blocks) {
		return
	}
	b := pd.Piece.Blocks[blockIndex]
	pe.RecordDownload(int64(len(raw.Data)))
	if t.throttle != nil {
		_ = t.throttle.Down.WaitN(context.Background(), len(raw.Data))
	}
	delete(pe.OutstandingRequests, b)
	select {
	case pd.PieceC <- peer.PieceMessage{Peer: pe, Block: b, Data: raw.Data}:
	default:
	}

	select {
	case data := <-pd.DoneC:
		t.onPieceAssembled(raw.Index, data)
	default:
	}
}

// onPieceAssembled hash-checks a fully-downloaded piece and, if valid,
// queues it for disk write; an invalid piece is reset for repicking
// from another peer.
func (t *Torrent) onPieceAssembled(index uint32, data []byte) {
	t.cancelPieceDownload(index)
	if sha1.Sum(data) == t.pcs[index].Hash {
		resultC := make(chan diskio.Result, 1)
		t.diskWorker.Requests() <- diskio.Request{Op: diskio.OpWrite, Index: index, Data: data, ResultC: resultC}
		go func() {
			res := <-resultC
			t.pieceWriteResultC <- pieceWriteResult{index: index, err: res.Err}
		}()
	} else {
		if t.picker != nil {
			t.picker.Invalidate(index)
		}
	}
}

func (t *Torrent) handlePieceWriteResult(r pieceWriteResult) {
	if r.err != nil {
		t.log.Errorln("could not write piece", r.index, "-", r.err)
		if t.picker != nil {
			t.picker.Invalidate(r.index)
		}
		return
	}
	t.bf.Set(r.index)
	for pe := range t.peers {
		pe.SendMessage(peerprotocol.HaveMessage{Index: r.index})
	}
	if t.onUpdate != nil {
		t.onUpdate(rpctypes.PieceDownloaded{ID: t.id, Index: r.index, Done: true})
	}
	t.checkCompletion()
}

// serveRequest answers a peer's block request by reading the piece
// off disk and, once the bytes are back, sending a Piece message; a
// choked peer's request is ignored outright.
func (t *Torrent) serveRequest(pe *peer.Peer, req peerprotocol.RequestMessage) {
	if pe.AmChoking || t.diskWorker == nil {
		return
	}
	if req.Index >= pe.Bitfield.Len() {
		pe.CloseConn()
		return
	}
	resultC := make(chan diskio.Result, 1)
	t.diskWorker.Requests() <- diskio.Request{Op: diskio.OpRead, Index: req.Index, ResultC: resultC}
	go func() {
		res := <-resultC
		if res.Err != nil || int(req.Begin+req.Length) > len(res.Data) {
			return
		}
		block := res.Data[req.Begin : req.Begin+req.Length]
		if t.throttle != nil {
			_ = t.throttle.Up.WaitN(context.Background(), len(block))
		}
		pe.SendMessage(peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Data: block})
		pe.RecordUpload(int64(len(block)))
	}()
}

func (t *Torrent) handleExtensionMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	if m.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.UnmarshalExtensionHandshake(m.Payload)
		if err != nil {
			return
		}
		pe.ExtensionHandshake = hs
		if hs.MetadataSize > 0 && t.info == nil {
			d := infodownloader.New(pe)
			t.infoDownloaders[pe] = d
			d.RequestBlocks(10)
		}
		return
	}
	if pe.ExtensionHandshake == nil {
		return
	}
	switch m.ExtendedMessageID {
	case pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]:
		t.handleMetadataMessage(pe, m.Payload)
	case pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyPEX]:
		t.handlePEXMessage(pe, m.Payload)
	}
}

// decodeExtensionMetadata splits a ut_metadata payload into its
// bencoded dictionary prefix and, for a Data message, the raw piece
// bytes that immediately follow it in the same payload.
func decodeExtensionMetadata(payload []byte) (*peerprotocol.ExtensionMetadataMessage, []byte, error) {
	r := bytes.NewReader(payload)
	var msg peerprotocol.ExtensionMetadataMessage
	if err := bencode.NewDecoder(r).Decode(&msg); err != nil {
		return nil, nil, err
	}
	rest, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return &msg, rest, nil
}

func (t *Torrent) handleMetadataMessage(pe *peer.Peer, payload []byte) {
	msg, rest, err := decodeExtensionMetadata(payload)
	if err != nil {
		return
	}
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		// No metadata to serve for a magnet-in-progress torrent, and a
		// known-metadata torrent's Info is immutable once set, so either
		// way this process never answers metadata requests for a piece
		// it hasn't fully downloaded itself.
	case peerprotocol.ExtensionMetadataMessageTypeData:
		d, ok := t.infoDownloaders[pe]
		if !ok {
			return
		}
		if err := d.GotBlock(msg.Piece, rest); err != nil {
			pe.CloseConn()
			return
		}
		if d.Done() {
			delete(t.infoDownloaders, pe)
			t.completeMetadata(d.Bytes)
		} else {
			d.RequestBlocks(10)
		}
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		delete(t.infoDownloaders, pe)
	}
}

func (t *Torrent) handlePEXMessage(pe *peer.Peer, payload []byte) {
	if !t.cfg.PEXEnabled {
		return
	}
	msg, err := pex.Unmarshal(payload)
	if err != nil {
		return
	}
	added, err := pex.ParseAdded(msg)
	if err != nil {
		return
	}
	t.addrList.Push(added, addrlist.PEX)
}

func (t *Torrent) broadcastPEX() {
	if !t.cfg.PEXEnabled {
		return
	}
	msg := t.pex.Flush()
	if msg == nil {
		return
	}
	payload, err := msg.Marshal()
	if err != nil {
		return
	}
	for pe := range t.peers {
		if pe.ExtensionHandshake == nil {
			continue
		}
		id, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyPEX]
		if !ok {
			continue
		}
		pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: id, Payload: payload})
	}
}

func (t *Torrent) writeStats() {
	if t.resume != nil {
		s := t.statsSnapshot()
		var seeded time.Duration
		if t.completed {
			seeded = time.Since(t.seedStartAt)
		}
		if err := t.resume.WriteStats(resumer.Stats{
			BytesDownloaded: s.BytesDownloaded,
			BytesUploaded:   s.BytesUploaded,
			BytesWasted:     s.BytesWasted,
			SeededFor:       seeded,
		}); err != nil {
			t.log.Warningln("could not persist stats:", err)
		}
	}
	if t.onUpdate != nil {
		s := t.statsSnapshot()
		t.onUpdate(rpctypes.TorrentTransfer{ID: t.id, BytesDownloaded: s.BytesDownloaded, BytesUploaded: s.BytesUploaded, BytesWasted: s.BytesWasted})
		t.onUpdate(rpctypes.Rate{ID: t.id, Up: s.UploadSpeed, Down: s.DownloadSpeed})
	}
}

package session

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coreswarm/swarmd/internal/acceptor"
	"github.com/coreswarm/swarmd/internal/addrlist"
	"github.com/coreswarm/swarmd/internal/allocator"
	"github.com/coreswarm/swarmd/internal/announcer"
	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/blocklist"
	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/config"
	"github.com/coreswarm/swarmd/internal/dhtannounce"
	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/handshaker/incominghandshaker"
	"github.com/coreswarm/swarmd/internal/handshaker/outgoinghandshaker"
	"github.com/coreswarm/swarmd/internal/infodownloader"
	"github.com/coreswarm/swarmd/internal/limiter"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/peerconn"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
	"github.com/coreswarm/swarmd/internal/piece"
	"github.com/coreswarm/swarmd/internal/piececache"
	"github.com/coreswarm/swarmd/internal/piecedownloader"
	"github.com/coreswarm/swarmd/internal/piecepicker"
	"github.com/coreswarm/swarmd/internal/resumer/boltdbresumer"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
	"github.com/coreswarm/swarmd/internal/storage"
	"github.com/coreswarm/swarmd/internal/tracker"
	"github.com/coreswarm/swarmd/internal/trackermanager"
	"github.com/coreswarm/swarmd/internal/verifier"
)

// newTorrentOptions bundles everything newTorrent needs to either
// start a fresh download or resume one already on disk; info is nil
// for a magnet-link torrent that has not yet fetched its metadata.
type newTorrentOptions struct {
	id          string
	infoHash    [20]byte
	name        string
	trackerURLs []string
	info        *metainfo.Info
	bitfield    *bitfield.Bitfield
	port        int

	cfg       *config.Config
	peerID    [20]byte
	log       logger.Logger
	pool      *bufferpool.Pool
	strg      storage.Storage
	resume    *boltdbresumer.Resumer
	blocklist *blocklist.Blocklist
	throttle  *limiter.Pair
	cache     *piececache.Cache
	dhtNode   *dhtannounce.Node
	trackers  *trackermanager.Manager
	onUpdate  func(rpctypes.Update)
}

func newTorrent(o *newTorrentOptions) *Torrent {
	t := &Torrent{
		id:        o.id,
		infoHash:  o.infoHash,
		port:      o.port,
		cfg:       o.cfg,
		peerID:    o.peerID,
		log:       o.log,
		pool:      o.pool,
		strg:      o.strg,
		resume:    o.resume,
		blocklist: o.blocklist,
		throttle:  o.throttle,
		cache:     o.cache,
		dhtNode:   o.dhtNode,
		onUpdate:  o.onUpdate,

		peers:        make(map[*peer.Peer]struct{}),
		connectedIPs: make(map[string]struct{}),
		peerIDs:      make(map[[20]byte]struct{}),

		pieceDownloaders: make(map[uint32]*piecedownloader.PieceDownloader),
		pieceDownloaderC: make(map[uint32]chan struct{}),
		pieceTimers:      make(map[uint32]*time.Timer),
		pieceTimeoutC:    make(chan uint32, 64),

		infoDownloaders: make(map[*peer.Peer]*infodownloader.InfoDownloader),

		addrList:    addrlist.New(2000),
		dialBackoff: make(map[string]*dialAttempt),
		retryC:      make(chan dialAttempt, 64),

		incomingConnC: make(chan net.Conn, 64),

		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),

		announcerRequestC: make(chan *announcer.Request),
		announcerPeersC:   make(chan []tracker.Peer, 16),

		allocatorProgressC: make(chan allocator.Progress),
		allocatorResultC:   make(chan *allocator.Allocator, 1),

		verifierProgressC: make(chan verifier.Progress),
		verifierResultC:   make(chan *verifier.Verifier, 1),

		diskStopC:         make(chan struct{}),
		pieceWriteResultC: make(chan pieceWriteResult, 16),

		messagesC:         make(chan peer.Message, 256),
		pieceMessagesC:    make(chan peer.RawPieceMessage, 256),
		peerDisconnectedC: make(chan *peer.Peer, 16),

		statsCommandC:       make(chan chan StatsSnapshot),
		startCommandC:       make(chan chan struct{}),
		stopCommandC:        make(chan chan struct{}),
		addPeersCommandC:    make(chan []*net.TCPAddr),
		notifyErrorCommandC: make(chan chan error),
		recheckCommandC:     make(chan chan error),
		recheckResultC:      make(chan recheckResult, 1),
		closeC:              make(chan chan struct{}),
	}
	t.downloadSpeed = newEWMA()
	t.uploadSpeed = newEWMA()
	t.setName(o.name)
	t.pex = newPEX()

	for _, url := range o.trackerURLs {
		tr, err := o.trackers.Get(url, time.Duration(o.cfg.TrackerHTTPTimeout)*time.Second, o.cfg.TrackerHTTPUserAgent)
		if err != nil {
			t.log.Warningln("skipping tracker", url, "-", err)
			continue
		}
		t.trackers = append(t.trackers, tr)
	}

	if o.info != nil {
		t.setInfo(o.info, o.bitfield)
	}
	return t
}

// setInfo installs a fully-known info dictionary (either parsed from a
// .torrent file up front, or fetched from peers for a magnet link),
// building the picker and piece index.
func (t *Torrent) setInfo(info *metainfo.Info, bf *bitfield.Bitfield) {
	t.info = info
	t.setName(info.Name)
	t.pcs = piece.NewPieces(info.Hashes, info.PieceLength, info.Length)
	t.locs = info.PieceIndex
	if bf != nil {
		t.bf = bf
	} else {
		t.bf = bitfield.New(uint32(len(t.pcs)))
	}
	t.picker = piecepicker.New(t.pcs, piecepicker.Rarest)
}

// startFromCommand (re)activates a stopped torrent; a no-op if disk
// and network subsystems are already running or metadata is missing.
func (t *Torrent) startFromCommand() {
	if t.info == nil || t.diskWorker != nil || t.allocator != nil {
		return
	}
	t.lastError = nil
	t.beginAllocation()
}

// run is the torrent's single control-loop goroutine: every field on
// Torrent not explicitly documented otherwise is owned by this
// goroutine alone.
func (t *Torrent) run() {
	t.running = true
	defer func() { t.running = false }()

	t.unchokeTimer = time.NewTicker(10 * time.Second)
	defer t.unchokeTimer.Stop()
	t.optimisticUnchokeTimer = time.NewTicker(30 * time.Second)
	defer t.optimisticUnchokeTimer.Stop()
	t.resumeWriteTicker = time.NewTicker(t.cfg.BitfieldWriteInterval)
	defer t.resumeWriteTicker.Stop()
	t.statsWriteTicker = time.NewTicker(t.cfg.StatsWriteInterval)
	defer t.statsWriteTicker.Stop()
	t.pexTicker = time.NewTicker(60 * time.Second)
	defer t.pexTicker.Stop()
	dialTicker := time.NewTicker(500 * time.Millisecond)
	defer dialTicker.Stop()
	speedTicker := time.NewTicker(time.Second)
	defer speedTicker.Stop()

	if t.info != nil {
		t.beginAllocation()
	}

	for {
		var allocProgressC chan allocator.Progress
		var allocResultC chan *allocator.Allocator
		if t.allocator != nil {
			allocProgressC = t.allocator.Progress
			allocResultC = t.allocator.Result
		}
		var verifyProgressC chan verifier.Progress
		var verifyResultC chan *verifier.Verifier
		if t.verifier != nil {
			verifyProgressC = t.verifier.Progress
			verifyResultC = t.verifier.Result
		}

		select {
		case replyC := <-t.closeC:
			t.closeTorrent()
			replyC <- struct{}{}
			return

		case replyC := <-t.startCommandC:
			t.startFromCommand()
			replyC <- struct{}{}

		case replyC := <-t.stopCommandC:
			t.stopNetwork()
			replyC <- struct{}{}

		case replyC := <-t.statsCommandC:
			replyC <- t.statsSnapshot()

		case replyC := <-t.notifyErrorCommandC:
			replyC <- t.lastError

		case replyC := <-t.recheckCommandC:
			if t.pendingRecheckC != nil {
				replyC <- errors.New("session: a recheck is already in progress")
				break
			}
			if t.diskWorker == nil || t.info == nil {
				replyC <- errors.New("session: torrent must be running to recheck")
				break
			}
			t.pendingRecheckC = replyC
			go t.runRecheck()

		case res := <-t.recheckResultC:
			t.handleRecheckResult(res)

		case addrs := <-t.addPeersCommandC:
			t.addrList.Push(addrs, addrlist.Manual)

		case p, ok := <-allocProgressC:
			if ok {
				t.bytesAllocated = p.AllocatedSize
			}

		case a, ok := <-allocResultC:
			if ok {
				t.handleAllocatorResult(a)
			}

		case p, ok := <-verifyProgressC:
			if ok {
				t.checkedPieces = p.Checked
			}

		case v, ok := <-verifyResultC:
			if ok {
				t.handleVerifierResult(v)
			}

		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)

		case h := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(h)

		case h := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(h)

		case <-dialTicker.C:
			t.dialAddresses()

		case a := <-t.retryC:
			t.addrList.Push([]*net.TCPAddr{a.addr}, a.source)

		case peers := <-t.announcerPeersC:
			t.addrList.Push(peersToAddrs(peers), addrlist.Tracker)

		case req := <-t.announcerRequestC:
			select {
			case req.Response <- announcer.Response{Torrent: t.trackerStats()}:
			case <-req.Cancel:
			}

		case peers := <-t.dhtPeersC():
			t.addrList.Push(peersToAddrs(peers), addrlist.DHT)

		case <-t.pexTicker.C:
			t.broadcastPEX()

		case pe := <-t.peerDisconnectedC:
			t.handlePeerDisconnected(pe)

		case msg := <-t.messagesC:
			t.handleMessage(msg)

		case raw := <-t.pieceMessagesC:
			t.handleRawPiece(raw)

		case idx := <-t.pieceTimeoutC:
			t.handlePieceTimeout(idx)

		case r := <-t.pieceWriteResultC:
			t.handlePieceWriteResult(r)

		case <-t.unchokeTimer.C:
			t.tickUnchoke()

		case <-t.optimisticUnchokeTimer.C:
			t.tickOptimisticUnchoke()

		case <-t.resumeWriteTicker.C:
			t.writeBitfield()

		case <-t.statsWriteTicker.C:
			t.writeStats()

		case <-speedTicker.C:
			t.tickSpeed()
		}
	}
}

// dhtPeersC returns the torrent's DHT announcer peer channel, or a nil
// channel (which blocks forever in a select) if DHT is disabled for
// this torrent.
func (t *Torrent) dhtPeersC() <-chan []tracker.Peer {
	if t.dhtAnnouncer == nil {
		return nil
	}
	return t.dhtAnnouncer.PeersC()
}

func peersToAddrs(peers []tracker.Peer) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addr()
	}
	return addrs
}

// beginAllocation kicks off file allocation; verification, peer
// acceptance, and tracker/DHT announcing all follow once allocation
// finishes (see handleAllocatorResult/handleVerifierResult).
func (t *Torrent) beginAllocation() {
	t.allocator = allocator.New()
	go t.allocator.Run(t.info.Name, t.info.Files, t.strg, t.diskStopC)
}

func (t *Torrent) handleAllocatorResult(a *allocator.Allocator) {
	t.allocator = nil
	if a.Error != nil {
		t.lastError = a.Error
		t.log.Errorln("allocation failed:", a.Error)
		return
	}
	t.files = a.Files
	t.verifier = verifier.New()
	go t.verifier.Run(t.pcs, t.files, t.locs, t.diskStopC)
}

func (t *Torrent) handleVerifierResult(v *verifier.Verifier) {
	t.verifier = nil
	if v.Error != nil {
		t.lastError = v.Error
		t.log.Errorln("verification failed:", v.Error)
		return
	}
	t.bf = v.Bitfield
	for i := range t.pcs {
		if t.bf.Test(uint32(i)) {
			t.picker.PieceAvailable(uint32(i))
		}
	}
	t.diskWorker = diskio.NewWorker(t.files, t.pcs, t.locs, 64)
	go t.diskWorker.Run(t.diskStopC)

	t.startNetwork()
	t.checkCompletion()
}

// recheckResult carries the outcome of a force-recheck back to the
// control loop.
type recheckResult struct {
	bf  *bitfield.Bitfield
	err error
}

// runRecheck validates every piece through the disk engine's Validate
// operation, run from its own goroutine so the per-piece disk round
// trips don't stall the control loop. Must only be called while
// t.diskWorker is non-nil.
func (t *Torrent) runRecheck() {
	bf := bitfield.New(uint32(len(t.pcs)))
	for i := range t.pcs {
		resultC := make(chan diskio.Result, 1)
		t.diskWorker.Requests() <- diskio.Request{Op: diskio.OpValidate, Index: uint32(i), ResultC: resultC}
		res := <-resultC
		if res.Err != nil {
			t.recheckResultC <- recheckResult{err: res.Err}
			return
		}
		if res.Valid {
			bf.Set(uint32(i))
		}
	}
	t.recheckResultC <- recheckResult{bf: bf}
}

// handleRecheckResult applies a completed recheck's bitfield, tells the
// picker about any piece that is no longer valid, and replies to the
// Recheck caller that is blocked waiting on pendingRecheckC.
func (t *Torrent) handleRecheckResult(res recheckResult) {
	replyC := t.pendingRecheckC
	t.pendingRecheckC = nil
	if res.err != nil {
		replyC <- res.err
		return
	}
	for i := range t.pcs {
		wasValid := t.bf != nil && t.bf.Test(uint32(i))
		isValid := res.bf.Test(uint32(i))
		if wasValid && !isValid && t.picker != nil {
			t.picker.Invalidate(uint32(i))
		}
	}
	t.bf = res.bf
	t.completed = false
	t.checkCompletion()
	replyC <- nil
}

// startNetwork begins accepting and dialing peers and announcing to
// trackers/DHT; called once file allocation and verification have
// both completed.
func (t *Torrent) startNetwork() {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(t.port)))
	if err != nil {
		t.log.Warningln("could not listen for incoming peers:", err)
	} else {
		t.acceptor = acceptor.New(ln, t.log)
		go t.acceptor.Run(t.incomingConnC, t.diskStopC)
	}

	for _, tr := range t.trackers {
		a := announcer.New(tr, t.announcerRequestC, t.announcerPeersC, 30*time.Minute, t.log)
		t.announcers = append(t.announcers, a)
	}

	if t.dhtNode != nil {
		t.dhtAnnouncer = t.dhtNode.NewAnnouncer(t.infoHash, 15*time.Minute)
	}
}

func (t *Torrent) stopNetwork() {
	t.acceptor = nil
	for _, a := range t.announcers {
		a.Close()
	}
	t.announcers = nil
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
		t.dhtAnnouncer = nil
	}
	stats := t.trackerStats()
	if len(t.trackers) > 0 {
		t.stopAnnouncer = announcer.NewStopAnnouncer(t.trackers, stats, 5*time.Second, t.log)
	}
	for pe := range t.peers {
		pe.Close()
	}
}

func (t *Torrent) closeTorrent() {
	t.stopNetwork()
	select {
	case <-t.diskStopC:
	default:
		close(t.diskStopC)
	}
	t.writeBitfield()
	t.writeStats()
}

func (t *Torrent) trackerStats() tracker.Torrent {
	s := t.statsSnapshot()
	return tracker.Torrent{
		BytesUploaded:   s.BytesUploaded,
		BytesDownloaded: s.BytesDownloaded,
		BytesLeft:       s.BytesTotal - s.BytesCompleted,
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

func (t *Torrent) statsSnapshot() StatsSnapshot {
	var total, completed int64
	if t.info != nil {
		total = t.info.Length
		for i := range t.pcs {
			if t.bf != nil && t.bf.Test(uint32(i)) {
				completed += int64(t.pcs[i].Length)
			}
		}
	}
	complete := total > 0 && completed == total
	status := StatusPaused
	switch {
	case t.lastError != nil:
		status = StatusError
	case t.allocator != nil:
		status = StatusPending
	case t.verifier != nil:
		status = StatusHashing
	case t.info == nil:
		status = StatusMagnet
	case t.diskWorker != nil && complete:
		status = StatusSeeding
	case t.diskWorker != nil:
		status = StatusLeeching
	case complete:
		status = StatusIdle
	}
	errMsg := ""
	if t.lastError != nil {
		errMsg = t.lastError.Error()
	}
	return StatsSnapshot{
		Status:         status,
		Error:          errMsg,
		BytesTotal:     total,
		BytesCompleted: completed,
		DownloadSpeed:  t.speedRate(t.downloadSpeed),
		UploadSpeed:    t.speedRate(t.uploadSpeed),
		PeersConnected: len(t.peers),
		PeersTotal:     len(t.peers) + len(t.outgoingHandshakers) + len(t.incomingHandshakers),
		Name:           t.Name(),
	}
}

func (t *Torrent) checkCompletion() bool {
	if t.completed || t.bf == nil || !t.bf.All() {
		return false
	}
	t.completed = true
	t.seedStartAt = time.Now()
	for _, a := range t.announcers {
		a.NeedMorePeers(false)
	}
	if t.onUpdate != nil {
		t.onUpdate(rpctypes.TorrentStatus{ID: t.id, Status: StatusSeeding.String()})
	}
	return true
}

func (t *Torrent) writeBitfield() {
	if t.resume == nil || t.bf == nil {
		return
	}
	if err := t.resume.WriteBitfield(t.bf.Bytes()); err != nil {
		t.log.Warningln("could not persist bitfield:", err)
	}
}

// dialAddresses keeps the outgoing connection count topped up from
// addrList, skipping addresses we're already connected or connecting
// to.
func (t *Torrent) dialAddresses() {
	if t.diskWorker == nil {
		return
	}
	active := len(t.peers) + len(t.outgoingHandshakers)
	for active < t.cfg.MaxPeerDial {
		addr := t.addrList.Pop()
		if addr == nil {
			return
		}
		if _, ok := t.connectedIPs[addr.IP.String()]; ok {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.connectedIPs[addr.IP.String()] = struct{}{}
		go h.Run(t.cfg.PeerConnectTimeout, t.cfg.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingHandshakerResultC)
		active++
	}
}

func (t *Torrent) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers) >= t.cfg.MaxPeerAccept {
		conn.Close()
		return
	}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok && t.blocklist != nil && t.blocklist.Blocked(tcp.IP) {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	go h.Run(t.peerID, t.checkInfoHash, t.incomingHandshakerResultC, t.cfg.PeerHandshakeTimeout)
}

func (t *Torrent) checkInfoHash(ih [20]byte) bool { return ih == t.infoHash }

func (t *Torrent) handleIncomingHandshakeResult(h *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, h)
	if h.Error != nil {
		return
	}
	if _, ok := t.peerIDs[h.PeerID]; ok {
		h.Conn.Close()
		return
	}
	t.startPeer(h.Conn, h.PeerID, h.Extensions)
}

func (t *Torrent) handleOutgoingHandshakeResult(h *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, h)
	if h.Error != nil {
		delete(t.connectedIPs, h.Addr.IP.String())
		t.scheduleRedial(h.Addr, addrlist.Tracker)
		return
	}
	if _, ok := t.peerIDs[h.PeerID]; ok {
		h.Conn.Close()
		return
	}
	t.startPeer(h.Conn, h.PeerID, h.Extensions)
}

// scheduleRedial requeues addr after an exponentially increasing
// delay, so a peer that is consistently unreachable is retried less
// and less often instead of being redialed on every dialTicker tick.
// The piece picker has no way to release a single outstanding request
// surgically; RemovePeer on eventual disconnect is what reclaims it.
func (t *Torrent) scheduleRedial(addr *net.TCPAddr, source addrlist.PeerSource) {
	key := addr.String()
	d, ok := t.dialBackoff[key]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Second
		b.MaxInterval = 30 * time.Minute
		b.MaxElapsedTime = 0
		d = &dialAttempt{addr: addr, source: source, boff: b}
		t.dialBackoff[key] = d
	}
	wait := d.boff.NextBackOff()
	if wait == backoff.Stop {
		delete(t.dialBackoff, key)
		return
	}
	retryC := t.retryC
	time.AfterFunc(wait, func() {
		select {
		case retryC <- dialAttempt{addr: addr, source: source}:
		default:
		}
	})
}

func (t *Torrent) startPeer(conn net.Conn, id [20]byte, reserved [8]byte) {
	numPieces := uint32(0)
	if t.info != nil {
		numPieces = uint32(len(t.pcs))
	}
	pc := peerconn.New(conn, id, reserved, t.pool, t.log, t.cfg.PeerReadQueueDepth)
	pe := peer.New(pc, numPieces)
	t.peers[pe] = struct{}{}
	t.peerIDs[id] = struct{}{}
	if tcp := pe.Addr(); tcp != nil {
		t.connectedIPs[tcp.IP.String()] = struct{}{}
		delete(t.dialBackoff, tcp.String())
	}

	go pc.Run()
	go pe.Run(t.messagesC, t.pieceMessagesC, t.peerDisconnectedC)

	if t.bf != nil && t.bf.Count() > 0 {
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.bf.Bytes()})
	}
	if t.picker != nil {
		t.picker.AddPeer(pe.Bitfield)
	}
	t.sendExtensionHandshake(pe)
}

func (t *Torrent) sendExtensionHandshake(pe *peer.Peer) {
	var metadataSize uint32
	if t.info != nil {
		metadataSize = t.info.InfoSize
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, t.cfg.ExtensionHandshakeClientVersion)
	payload, err := hs.Marshal()
	if err != nil {
		return
	}
	pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: payload})
}

func (t *Torrent) handlePeerDisconnected(pe *peer.Peer) {
	if _, ok := t.peers[pe]; !ok {
		return
	}
	delete(t.peers, pe)
	delete(t.peerIDs, pe.ID())
	if tcp := pe.Addr(); tcp != nil {
		delete(t.connectedIPs, tcp.IP.String())
	}
	if t.picker != nil {
		t.picker.RemovePeer(pe, pe.Bitfield)
	}
	for idx, pd := range t.pieceDownloaders {
		if pd.Peer == pe {
			t.cancelPieceDownload(idx)
		}
	}
	delete(t.infoDownloaders, pe)
	if t.optimistic == pe {
		t.optimistic = nil
	}
	if t.cfg.PEXEnabled {
		t.pex.Drop(pe.Addr())
	}
	pe.CloseConn()
}

func (t *Torrent) cancelPieceDownload(idx uint32) {
	if stopC, ok := t.pieceDownloaderC[idx]; ok {
		close(stopC)
		delete(t.pieceDownloaderC, idx)
	}
	delete(t.pieceDownloaders, idx)
	if timer, ok := t.pieceTimers[idx]; ok {
		timer.Stop()
		delete(t.pieceTimers, idx)
	}
}

func (t *Torrent) handlePieceTimeout(idx uint32) {
	pd, ok := t.pieceDownloaders[idx]
	if !ok {
		return
	}
	pd.Peer.Snubbed = true
	t.cancelPieceDownload(idx)
}

// completeMetadata installs a just-downloaded info dictionary for a
// magnet-link torrent and starts the disk/network machinery that was
// waiting on it, exactly as if the info had been known from the start.
func (t *Torrent) completeMetadata(infoBytes []byte) {
	if t.info != nil {
		return
	}
	info, err := metainfo.NewInfo(infoBytes)
	if err != nil {
		t.log.Errorln("received invalid metadata from peer:", err)
		return
	}
	t.setInfo(info, nil)
	if t.resume != nil {
		if err := t.resume.Write(&boltdbresumer.Spec{
			InfoHash: t.infoHash[:],
			Port:     t.port,
			Name:     info.Name,
			Info:     infoBytes,
		}); err != nil {
			t.log.Warningln("could not persist metadata:", err)
		}
	}
	t.beginAllocation()
}

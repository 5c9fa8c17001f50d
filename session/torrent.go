// Package session owns the daemon's running torrents: each Torrent
// runs its own single-threaded control loop (see run.go) that owns
// every piece of mutable state for that download, communicating with
// the outside world only over channels.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	metrics "github.com/rcrowley/go-metrics"

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
	"github.com/coreswarm/swarmd/internal/pex"
	"github.com/coreswarm/swarmd/internal/piece"
	"github.com/coreswarm/swarmd/internal/piececache"
	"github.com/coreswarm/swarmd/internal/piecedownloader"
	"github.com/coreswarm/swarmd/internal/piecepicker"
	"github.com/coreswarm/swarmd/internal/resumer/boltdbresumer"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
	"github.com/coreswarm/swarmd/internal/storage"
	"github.com/coreswarm/swarmd/internal/tracker"
	"github.com/coreswarm/swarmd/internal/verifier"
)

// ourExtensions sets only the Extension Protocol (BEP 10) bit, with the
// Fast Extension bit clear. Nothing references it: handshakes are sent
// with peerprotocol.OurReserved.
var ourExtensions = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0}

// Status is a torrent's externally visible lifecycle state. Transitions
// are driven by events: piece completion, tracker result, user command,
// disk error.
type Status int

const (
	// StatusPending covers a torrent that hasn't started hashing yet:
	// newly added, or mid-allocation.
	StatusPending Status = iota
	// StatusMagnet is set while metadata is still being fetched from
	// peers for a magnet-link torrent.
	StatusMagnet
	// StatusPaused is set for an incomplete torrent whose network and
	// disk activity has been stopped.
	StatusPaused
	// StatusLeeching is set while pieces are still being downloaded.
	StatusLeeching
	// StatusIdle is set for a complete torrent that isn't currently
	// running (network/disk activity stopped).
	StatusIdle
	// StatusSeeding is set for a complete, running torrent.
	StatusSeeding
	// StatusHashing is set while piece validation is in progress.
	StatusHashing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusMagnet:
		return "Magnet"
	case StatusPaused:
		return "Paused"
	case StatusLeeching:
		return "Leeching"
	case StatusIdle:
		return "Idle"
	case StatusSeeding:
		return "Seeding"
	case StatusHashing:
		return "Hashing"
	case StatusError:
		return "Error"
	default:
		return "Pending"
	}
}

// StatsSnapshot is a point-in-time readout of a torrent's transfer
// state, handed to RPC queries and tracker announces alike.
type StatsSnapshot struct {
	Status          Status
	Error           string
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesTotal      int64
	BytesCompleted  int64
	DownloadSpeed   int64
	UploadSpeed     int64
	PeersConnected  int
	PeersTotal      int
	Name            string
}

type pieceWriteResult struct {
	index uint32
	err   error
}

// dialAttempt remembers the backoff state for one remote address so a
// peer that keeps refusing connections is retried with increasing
// delay instead of being redialed on every loop iteration.
type dialAttempt struct {
	addr   *net.TCPAddr
	source addrlist.PeerSource
	boff   *backoff.ExponentialBackOff
}

// Torrent owns one download's full lifecycle: file allocation,
// verification, peer discovery and wire I/O, piece scheduling, and
// persistence of resume state. All mutable state below is touched only
// from the goroutine running (*Torrent).run, except where noted.
type Torrent struct {
	id       string
	infoHash [20]byte
	port     int
	private  bool

	cfg    *config.Config
	peerID [20]byte
	log    logger.Logger
	pool   *bufferpool.Pool

	trackers []tracker.Tracker

	info  *metainfo.Info
	bf    *bitfield.Bitfield
	files []storage.File
	locs  []metainfo.PieceLocation
	pcs   []piece.Piece
	strg  storage.Storage

	picker *piecepicker.Picker

	peers        map[*peer.Peer]struct{}
	connectedIPs map[string]struct{}
	peerIDs      map[[20]byte]struct{}
	optimistic   *peer.Peer

	pieceDownloaders map[uint32]*piecedownloader.PieceDownloader
	pieceDownloaderC map[uint32]chan struct{}
	pieceTimers      map[uint32]*time.Timer
	pieceTimeoutC    chan uint32

	infoDownloaders map[*peer.Peer]*infodownloader.InfoDownloader

	addrList   *addrlist.AddrList
	dialBackoff map[string]*dialAttempt
	retryC     chan dialAttempt

	acceptor      *acceptor.Acceptor
	incomingConnC chan net.Conn

	incomingHandshakers       map[*incominghandshaker.IncomingHandshaker]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker

	announcers        []*announcer.PeriodicalAnnouncer
	announcerRequestC chan *announcer.Request
	announcerPeersC   chan []tracker.Peer
	stopAnnouncer     *announcer.StopAnnouncer

	dhtNode      *dhtannounce.Node
	dhtAnnouncer *dhtannounce.Announcer

	pex *pex.PEX

	allocator          *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	bytesAllocated     int64

	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	checkedPieces     uint32

	diskWorker        *diskio.Worker
	diskStopC         chan struct{}
	pieceWriteResultC chan pieceWriteResult

	cache *piececache.Cache

	resume      *boltdbresumer.Resumer
	seedStartAt time.Time

	blocklist *blocklist.Blocklist
	throttle  *limiter.Pair

	messagesC         chan peer.Message
	pieceMessagesC    chan peer.RawPieceMessage
	peerDisconnectedC chan *peer.Peer

	statsCommandC       chan chan StatsSnapshot
	startCommandC       chan chan struct{}
	stopCommandC        chan chan struct{}
	addPeersCommandC    chan []*net.TCPAddr
	notifyErrorCommandC chan chan error
	recheckCommandC     chan chan error
	closeC              chan chan struct{}

	recheckResultC  chan recheckResult
	pendingRecheckC chan error

	running   bool
	completed bool
	lastError error

	unchokeTimer           *time.Ticker
	optimisticUnchokeTimer *time.Ticker
	resumeWriteTicker      *time.Ticker
	statsWriteTicker       *time.Ticker
	pexTicker              *time.Ticker

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	onUpdate func(rpctypes.Update)

	nameMu sync.Mutex
	name   string
}

// Name returns the torrent's display name, which may still be empty
// for a magnet-link torrent whose metadata has not yet been fetched.
func (t *Torrent) Name() string {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()
	return t.name
}

func (t *Torrent) setName(name string) {
	t.nameMu.Lock()
	t.name = name
	t.nameMu.Unlock()
}

// ID returns the torrent's session-assigned identifier.
func (t *Torrent) ID() string { return t.id }

// InfoHash returns the torrent's 20-byte BitTorrent info hash.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// Start activates a stopped torrent, resuming allocation/verification
// and network activity. A no-op if the torrent is already running.
func (t *Torrent) Start() {
	c := make(chan struct{})
	t.startCommandC <- c
	<-c
}

// Stop halts network activity and disk I/O without discarding the
// torrent's in-memory state; Start resumes from where it left off.
func (t *Torrent) Stop() {
	c := make(chan struct{})
	t.stopCommandC <- c
	<-c
}

// Stats returns a point-in-time snapshot of the torrent's transfer
// state.
func (t *Torrent) Stats() StatsSnapshot {
	c := make(chan StatsSnapshot)
	t.statsCommandC <- c
	return <-c
}

// NotifyError returns the last unrecoverable error the torrent hit, if
// any.
func (t *Torrent) NotifyError() error {
	c := make(chan error)
	t.notifyErrorCommandC <- c
	return <-c
}

// AddPeers queues addrs for dialing, tagged as manually supplied.
// Dropped silently if the torrent's command queue is full.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	default:
	}
}

// Close permanently shuts the torrent down, releasing its listener,
// disk worker, and peer connections. The torrent cannot be restarted
// after Close returns.
func (t *Torrent) Close() {
	c := make(chan struct{})
	t.closeC <- c
	<-c
}

// Recheck forces every piece to be re-read off disk and hash-verified
// through the disk engine's Validate operation, replacing the
// in-memory bitfield with the result. It requires the torrent to be
// running (a stopped torrent has no disk worker to validate against).
func (t *Torrent) Recheck() error {
	c := make(chan error)
	t.recheckCommandC <- c
	return <-c
}

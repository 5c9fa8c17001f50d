// Package session owns the daemon's running torrents: each Torrent
// runs its own single-threaded control loop (see run.go) that owns
// every piece of mutable state for that download, communicating with
// the outside world only over channels.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/time/rate"

	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/blocklist"
	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/config"
	"github.com/coreswarm/swarmd/internal/dhtannounce"
	"github.com/coreswarm/swarmd/internal/filecache"
	"github.com/coreswarm/swarmd/internal/limiter"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/magnet"
	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/piececache"
	"github.com/coreswarm/swarmd/internal/resumer/boltdbresumer"
	"github.com/coreswarm/swarmd/internal/rpc"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
	"github.com/coreswarm/swarmd/internal/storage/filestorage"
	"github.com/coreswarm/swarmd/internal/trackermanager"
)

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")
)

// Session owns every running Torrent plus the subsystems shared
// across all of them: the resume database, DHT node, tracker manager,
// blocklist, file handle and piece caches, upload/download throttles,
// and the RPC server that exposes all of it to swarmctl.
type Session struct {
	cfg *config.Config
	log logger.Logger

	db     *bolt.DB
	peerID [20]byte

	dhtNode *dhtannounce.Node

	blocklist  *blocklist.Blocklist
	trackers   *trackermanager.Manager
	fileCache  *filecache.Cache
	pieceCache *piececache.Cache
	bufferPool *bufferpool.Pool
	throttle   *limiter.Pair

	rpc          *rpc.Server
	downloadTok  string
	startedAt    time.Time

	closeC chan struct{}

	mu       sync.RWMutex
	torrents map[string]*Torrent

	portMu    sync.Mutex
	freePorts map[uint16]struct{}
}

// New builds a Session from cfg: opens (creating if needed) the
// resume database, starts the DHT node unless disabled, reloads any
// torrents persisted from a previous run, and starts the RPC server
// if cfg.RPCHost is set.
func New(cfg *config.Config) (*Session, error) {
	if cfg.PortEnd != 0 && cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("session: invalid port range")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("session: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists(sessionBucket); err2 != nil {
			return err2
		}
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	pid, err := generatePeerID()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		log:        logger.New("session"),
		db:         db,
		peerID:     pid,
		blocklist:  blocklist.New(),
		trackers:   trackermanager.New(),
		fileCache:  filecache.New(cfg.MaxOpenFiles),
		pieceCache: piececache.New(cfg.PieceCacheSize),
		bufferPool: bufferpool.New(256, cfg.PieceReadBufferSize),
		throttle: limiter.NewPair(
			throttleLimit(cfg.ThrottleUpload), throttleLimit(cfg.ThrottleDownload), 16*1024,
		),
		startedAt: time.Now(),
		closeC:    make(chan struct{}),
		torrents:  make(map[string]*Torrent),
		freePorts: make(map[uint16]struct{}),
	}

	end := cfg.PortEnd
	if end == 0 {
		end = cfg.PortBegin + 1
	}
	for p := cfg.PortBegin; p < end; p++ {
		s.freePorts[p] = struct{}{}
	}

	if cfg.BlocklistPath != "" {
		if err = s.blocklist.Load(cfg.BlocklistPath); err != nil {
			s.log.Warningln("could not load blocklist:", err)
		}
		go s.reloadBlocklistPeriodically()
	}

	if cfg.DHTEnabled {
		routers := cfg.DHTRouters
		s.dhtNode, err = dhtannounce.Start(int(cfg.DHTPort), routers, s.log)
		if err != nil {
			s.log.Warningln("could not start dht node:", err)
			s.dhtNode = nil
		}
	}

	s.downloadTok = cfg.DownloadToken
	if s.downloadTok == "" {
		s.downloadTok, err = randomToken()
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	if err = s.loadExistingTorrents(ids); err != nil {
		s.log.Errorln("error loading existing torrents:", err)
	}

	if cfg.RPCHost != "" {
		s.rpc = rpc.New(s, s, s.downloadTok, logger.New("rpc"))
		addr := net.JoinHostPort(cfg.RPCHost, strconv.Itoa(int(cfg.RPCPort)))
		if err = s.rpc.Start(addr); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func throttleLimit(bytesPerSec int64) rate.Limit {
	if bytesPerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSec)
}

// rateLimitBytesPerSec reports an unlimited throttle as 0 rather than
// converting rate.Inf's underlying float value, which would overflow
// int64.
func rateLimitBytesPerSec(l rate.Limit) int64 {
	if l == rate.Inf {
		return 0
	}
	return int64(l)
}

// generatePeerID builds an Azureus-style peer id: "-SD" + a 4-digit
// version + "-" followed by 12 random bytes.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-SD0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Session) reloadBlocklistPeriodically() {
	interval := time.Duration(s.cfg.BlocklistReloadInterval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.blocklist.Load(s.cfg.BlocklistPath); err != nil {
				s.log.Warningln("could not reload blocklist:", err)
			}
		case <-s.closeC:
			return
		}
	}
}

// loadExistingTorrents reconstructs every torrent persisted under the
// resume database from a previous run, starting the ones that were
// running when the daemon last stopped.
func (s *Session) loadExistingTorrents(ids []string) error {
	var started []*Torrent
	for _, id := range ids {
		res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
		if err != nil {
			s.log.Errorln("cannot open resume bucket for", id, "-", err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			s.log.Errorln("cannot read resume state for", id, "-", err)
			continue
		}
		t, err := s.torrentFromSpec(id, spec, res)
		if err != nil {
			s.log.Errorln("cannot load torrent", id, "-", err)
			continue
		}
		s.mu.Lock()
		s.torrents[id] = t
		s.mu.Unlock()
		go t.run()
		started = append(started, t)
	}
	s.log.Infof("loaded %d existing torrents", len(started))
	for _, t := range started {
		t.Start()
	}
	return nil
}

func (s *Session) torrentFromSpec(id string, spec *boltdbresumer.Spec, res *boltdbresumer.Resumer) (*Torrent, error) {
	var infoHash [20]byte
	copy(infoHash[:], spec.InfoHash)

	var info *metainfo.Info
	var bf *bitfield.Bitfield
	if len(spec.Info) > 0 {
		var err error
		info, err = metainfo.NewInfo(spec.Info)
		if err != nil {
			return nil, err
		}
		if len(spec.Bitfield) > 0 {
			bf, err = bitfield.NewBytes(spec.Bitfield, uint32(len(info.Hashes)))
			if err != nil {
				return nil, err
			}
		}
	}

	s.portMu.Lock()
	delete(s.freePorts, uint16(spec.Port))
	s.portMu.Unlock()

	return newTorrent(&newTorrentOptions{
		id:          id,
		infoHash:    infoHash,
		name:        spec.Name,
		trackerURLs: spec.Trackers,
		info:        info,
		bitfield:    bf,
		port:        spec.Port,

		cfg:       s.cfg,
		peerID:    s.peerID,
		log:       logger.New("torrent"),
		pool:      s.bufferPool,
		strg:      filestorage.New(spec.Dest, s.fileCache),
		resume:    res,
		blocklist: s.blocklist,
		throttle:  s.throttle,
		cache:     s.pieceCache,
		dhtNode:   s.dhtNode,
		trackers:  s.trackers,
		onUpdate:  s.broadcast,
	}), nil
}

func (s *Session) broadcast(u rpctypes.Update) {
	if s.rpc != nil {
		s.rpc.Broadcast(u)
	}
}

// Close stops every torrent, the RPC server, and the DHT node, and
// closes the resume database.
func (s *Session) Close() error {
	close(s.closeC)

	s.mu.Lock()
	var wg sync.WaitGroup
	wg.Add(len(s.torrents))
	for _, t := range s.torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	s.torrents = nil
	s.mu.Unlock()
	wg.Wait()

	if s.rpc != nil {
		if err := s.rpc.Stop(); err != nil {
			s.log.Errorln("could not stop rpc server:", err)
		}
	}
	return s.db.Close()
}

// ListTorrents returns every torrent currently known to the session.
func (s *Session) ListTorrents() []*Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	return torrents
}

// GetTorrent returns the torrent with id, or nil if it isn't known.
func (s *Session) GetTorrent(id string) *Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.torrents[id]
}

// AddTorrent parses a .torrent file from r and starts downloading it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	return s.addWithInfo(mi.Info, mi.GetTrackers())
}

// AddURI adds a torrent from either an http(s) URL to a .torrent file
// or a magnet link.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	case "magnet":
		return s.addMagnet(uri)
	default:
		return nil, fmt.Errorf("session: unsupported uri scheme %q", u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

func (s *Session) addMagnet(link string) (*Torrent, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	id, port, sto, res, err := s.reserve()
	if err != nil {
		return nil, err
	}
	rspec := &boltdbresumer.Spec{
		InfoHash:  ma.InfoHash[:],
		Dest:      sto.Dest,
		Port:      port,
		Name:      ma.Name,
		Trackers:  ma.Trackers,
		CreatedAt: timeNow(),
	}
	if err = res.Write(rspec); err != nil {
		s.releasePort(uint16(port))
		return nil, err
	}
	var infoHash [20]byte
	copy(infoHash[:], ma.InfoHash[:])
	t := newTorrent(&newTorrentOptions{
		id:          id,
		infoHash:    infoHash,
		name:        ma.Name,
		trackerURLs: ma.Trackers,
		port:        port,

		cfg:       s.cfg,
		peerID:    s.peerID,
		log:       logger.New("torrent"),
		pool:      s.bufferPool,
		strg:      sto,
		resume:    res,
		blocklist: s.blocklist,
		throttle:  s.throttle,
		cache:     s.pieceCache,
		dhtNode:   s.dhtNode,
		trackers:  s.trackers,
		onUpdate:  s.broadcast,
	})
	s.register(id, t)
	go t.run()
	t.Start()
	return t, nil
}

func (s *Session) addWithInfo(info *metainfo.Info, trackers []string) (*Torrent, error) {
	id, port, sto, res, err := s.reserve()
	if err != nil {
		return nil, err
	}
	rspec := &boltdbresumer.Spec{
		InfoHash:  info.Hash[:],
		Dest:      sto.Dest,
		Port:      port,
		Name:      info.Name,
		Trackers:  trackers,
		Info:      info.Bytes,
		CreatedAt: timeNow(),
	}
	if err = res.Write(rspec); err != nil {
		s.releasePort(uint16(port))
		return nil, err
	}
	var infoHash [20]byte
	copy(infoHash[:], info.Hash[:])
	t := newTorrent(&newTorrentOptions{
		id:          id,
		infoHash:    infoHash,
		name:        info.Name,
		trackerURLs: trackers,
		info:        info,
		port:        port,

		cfg:       s.cfg,
		peerID:    s.peerID,
		log:       logger.New("torrent"),
		pool:      s.bufferPool,
		strg:      sto,
		resume:    res,
		blocklist: s.blocklist,
		throttle:  s.throttle,
		cache:     s.pieceCache,
		dhtNode:   s.dhtNode,
		trackers:  s.trackers,
		onUpdate:  s.broadcast,
	})
	s.register(id, t)
	go t.run()
	t.Start()
	return t, nil
}

func (s *Session) reserve() (id string, port int, sto *filestorage.FileStorage, res *boltdbresumer.Resumer, err error) {
	p, err := s.getPort()
	if err != nil {
		return "", 0, nil, nil, err
	}
	defer func() {
		if err != nil {
			s.releasePort(p)
		}
	}()
	u := uuid.NewV4()
	id = base64.RawURLEncoding.EncodeToString(u[:])
	res, err = boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return "", 0, nil, nil, err
	}
	dest := filepath.Join(s.cfg.DataDir, id)
	sto = filestorage.New(dest, s.fileCache)
	return id, int(p), sto, res, nil
}

func (s *Session) register(id string, t *Torrent) {
	s.mu.Lock()
	s.torrents[id] = t
	s.mu.Unlock()
}

func (s *Session) getPort() (uint16, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	for p := range s.freePorts {
		delete(s.freePorts, p)
		return p, nil
	}
	return 0, errors.New("session: no free port available")
}

func (s *Session) releasePort(port uint16) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	s.freePorts[port] = struct{}{}
}

// RemoveTorrent stops and deletes torrent id, including its resume
// state and downloaded data.
func (s *Session) RemoveTorrent(id string) error {
	s.mu.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.torrents, id)
	s.mu.Unlock()

	t.Close()
	s.releasePort(uint16(t.port))

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	}); err != nil {
		return err
	}
	dest := filepath.Join(s.cfg.DataDir, id)
	return os.RemoveAll(dest)
}

// ListResources implements rpc.ResourceProvider.
func (s *Session) ListResources(typ rpctypes.ResourceType) ([]interface{}, error) {
	switch typ {
	case rpctypes.ResourceServer:
		return []interface{}{s.serverResource()}, nil
	case rpctypes.ResourceTorrent:
		return s.torrentResources(), nil
	default:
		return nil, fmt.Errorf("session: unsupported resource type %q", typ)
	}
}

func (s *Session) serverResource() rpctypes.Server {
	var rateUp, rateDown int64
	for _, t := range s.ListTorrents() {
		st := t.Stats()
		rateUp += st.UploadSpeed
		rateDown += st.DownloadSpeed
	}
	return rpctypes.Server{
		Type:         rpctypes.ResourceServer,
		ID:           "server",
		RateUp:       rateUp,
		RateDown:     rateDown,
		ThrottleUp:   rateLimitBytesPerSec(s.throttle.Up.Limit()),
		ThrottleDown: rateLimitBytesPerSec(s.throttle.Down.Limit()),
		StartedAt:    s.startedAt,
	}
}

func (s *Session) torrentResources() []interface{} {
	torrents := s.ListTorrents()
	out := make([]interface{}, 0, len(torrents))
	for _, t := range torrents {
		st := t.Stats()
		out = append(out, rpctypes.Torrent{
			Type:            rpctypes.ResourceTorrent,
			ID:              t.ID(),
			InfoHash:        hex.EncodeToString(t.infoHash[:]),
			Name:            t.Name(),
			Status:          st.Status.String(),
			Error:           st.Error,
			Length:          st.BytesTotal,
			BytesComplete:   st.BytesCompleted,
			BytesIncomplete: st.BytesTotal - st.BytesCompleted,
			BytesDownloaded: st.BytesDownloaded,
			BytesUploaded:   st.BytesUploaded,
			BytesWasted:     st.BytesWasted,
		})
	}
	return out
}

// ApplyUpdate implements rpc.ResourceProvider.
func (s *Session) ApplyUpdate(u rpctypes.CResourceUpdate) error {
	t := s.GetTorrent(u.ID)
	if t == nil {
		return fmt.Errorf("session: no such torrent %q", u.ID)
	}
	if u.ThrottleUp != nil {
		t.throttle.Up.SetLimit(throttleLimit(*u.ThrottleUp))
	}
	if u.ThrottleDown != nil {
		t.throttle.Down.SetLimit(throttleLimit(*u.ThrottleDown))
	}
	return nil
}

// FilePath implements rpc.FileServer: it resolves a completed torrent
// to the root of its downloaded data.
func (s *Session) FilePath(id string) (string, error) {
	t := s.GetTorrent(id)
	if t == nil {
		return "", fmt.Errorf("session: no such torrent %q", id)
	}
	if fs, ok := t.strg.(*filestorage.FileStorage); ok {
		return fs.Dest, nil
	}
	return "", errors.New("session: torrent storage has no file path")
}

func timeNow() time.Time { return time.Now() }

// Package dhtannounce wraps a single process-wide DHT routing table
// (github.com/nictuku/dht) and demultiplexes its peer-request results
// to whichever torrent asked for them, since the underlying DHT node
// exposes one shared results channel for every in-flight lookup.
package dhtannounce

import (
	"net"
	"sync"
	"time"

	"github.com/nictuku/dht"

	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/tracker"
)

// Node owns the DHT routing table and fans out PeersRequestResults by
// info hash to whichever Announcer subscribed to it.
type Node struct {
	dht *dht.DHT
	log logger.Logger

	mu   sync.Mutex
	subs map[[20]byte]chan []tracker.Peer
}

// Start brings up the DHT routing table, seeding it with routers, and
// begins the background demultiplexer. Call Announcer for each
// torrent that wants DHT peers.
func Start(port int, routers []string, log logger.Logger) (*Node, error) {
	cfg := dht.NewConfig()
	cfg.Port = port
	cfg.DHTRouters = joinRouters(routers)
	d, err := dht.New(cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := d.Run(); err != nil {
			log.Errorln("dht stopped:", err)
		}
	}()

	n := &Node{dht: d, log: log, subs: make(map[[20]byte]chan []tracker.Peer)}
	go n.demux()
	return n, nil
}

func joinRouters(routers []string) string {
	out := ""
	for i, r := range routers {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

// Port returns the UDP port the DHT node is bound to.
func (n *Node) Port() int {
	return n.dht.Port()
}

func (n *Node) demux() {
	for results := range n.dht.PeersRequestResults {
		for ihStr, compactPeers := range results {
			var ih [20]byte
			copy(ih[:], ihStr)

			n.mu.Lock()
			ch, ok := n.subs[ih]
			n.mu.Unlock()
			if !ok {
				continue
			}
			peers := parsePeers(compactPeers)
			select {
			case ch <- peers:
			default:
			}
		}
	}
}

func parsePeers(compact []string) []tracker.Peer {
	peers := make([]tracker.Peer, 0, len(compact))
	for _, p := range compact {
		b := []byte(p)
		if len(b) != 6 {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, b[:4])
		port := uint16(b[4])<<8 | uint16(b[5])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}
	return peers
}

// Announcer periodically asks the DHT node for peers of one torrent.
type Announcer struct {
	node     *Node
	infoHash [20]byte

	peersC chan []tracker.Peer
	closeC chan struct{}
	doneC  chan struct{}

	needMorePeersC chan bool
}

// NewAnnouncer subscribes to infoHash's results and starts announcing
// on interval until Close is called.
func (n *Node) NewAnnouncer(infoHash [20]byte, interval time.Duration) *Announcer {
	ch := make(chan []tracker.Peer, 1)
	n.mu.Lock()
	n.subs[infoHash] = ch
	n.mu.Unlock()

	a := &Announcer{
		node:           n,
		infoHash:       infoHash,
		peersC:         ch,
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
		needMorePeersC: make(chan bool, 1),
	}
	go a.run(interval)
	return a
}

func (a *Announcer) run(interval time.Duration) {
	defer close(a.doneC)
	a.announce()
	for {
		wait := interval
		select {
		case need := <-a.needMorePeersC:
			if need {
				wait = time.Second
			}
		default:
		}
		select {
		case <-time.After(wait):
			a.announce()
		case <-a.closeC:
			return
		}
	}
}

func (a *Announcer) announce() {
	a.node.dht.PeersRequest(string(a.infoHash[:]), true)
}

// NeedMorePeers requests a faster next announce.
func (a *Announcer) NeedMorePeers(need bool) {
	select {
	case a.needMorePeersC <- need:
	default:
	}
}

// PeersC delivers peers as they arrive from the DHT, best-effort (a
// full channel drops the update; the next announce will refresh it).
func (a *Announcer) PeersC() <-chan []tracker.Peer {
	return a.peersC
}

// Close unsubscribes from the node and stops announcing.
func (a *Announcer) Close() {
	close(a.closeC)
	<-a.doneC
	a.node.mu.Lock()
	delete(a.node.subs, a.infoHash)
	a.node.mu.Unlock()
}

package session

import (
	"math/rand"
	"sort"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/coreswarm/swarmd/internal/peer"
)

func newEWMA() metrics.EWMA { return metrics.NewEWMA1() }

// speedRate returns e's current rate in bytes/sec. It does not tick e;
// tickSpeed does that once per second from the speed ticker, so the
// EWMA decays even during a quiet period with no transfer at all.
func (t *Torrent) speedRate(e metrics.EWMA) int64 {
	return int64(e.Rate())
}

func (t *Torrent) tickSpeed() {
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
}

// tickUnchoke re-ranks interested peers by how much they've sent us
// (or, once we're seeding, by how much we've sent them) over the last
// period and unchokes the top UnchokedPeers of them.
func (t *Torrent) tickUnchoke() {
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked {
			peers = append(peers, pe)
		}
	}
	if t.completed {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesUploadedInChokePeriod > peers[j].BytesUploadedInChokePeriod
		})
	} else {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesDownlaodedInChokePeriod > peers[j].BytesDownlaodedInChokePeriod
		})
	}
	for pe := range t.peers {
		pe.ResetChokePeriodCounters()
	}
	var unchoked int
	for _, pe := range peers {
		if unchoked < t.cfg.UnchokedPeers {
			pe.Unchoke()
			unchoked++
			pe.OptimisticUnchoked = false
		} else {
			pe.Choke()
		}
	}
}

// tickOptimisticUnchoke picks OptimisticUnchokedPeers random choked,
// interested peers and unchokes them regardless of transfer rate, so
// a newly connected peer gets a chance to prove itself before the
// rate-based tickUnchoke would otherwise starve it.
func (t *Torrent) tickOptimisticUnchoke() {
	candidates := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}

	for pe := range t.peers {
		if pe.OptimisticUnchoked {
			pe.OptimisticUnchoked = false
			pe.Choke()
		}
	}

	for i := 0; i < t.cfg.OptimisticUnchokedPeers && len(candidates) > 0; i++ {
		idx := rand.Intn(len(candidates))
		pe := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		pe.OptimisticUnchoked = true
		pe.Unchoke()
	}
}

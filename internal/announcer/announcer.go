// Package announcer drives a torrent's tracker announces on a timer,
// pulling fresh transfer stats from the torrent's run() loop via a
// request/response channel rather than touching torrent state
// directly from another goroutine.
package announcer

import (
	"context"
	"time"

	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/tracker"
)

// Request is sent by an announcer on the torrent's request channel to
// pull a fresh snapshot of transfer stats just before announcing.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response answers a Request with the torrent's current stats.
type Response struct {
	Torrent tracker.Torrent
}

// Status is the announcer's last-known state, surfaced to RPC.
type Status int

const (
	NotContactedYet Status = iota
	Contacting
	Working
	Error
)

// PeriodicalAnnouncer re-announces to one tracker on the interval the
// tracker returns (or config's default), until Close is called.
type PeriodicalAnnouncer struct {
	Tracker tracker.Tracker

	requestC chan *Request
	peersC   chan<- []tracker.Peer
	log      logger.Logger

	closeC chan struct{}
	doneC  chan struct{}

	status   Status
	lastErr  error
	interval time.Duration

	needMorePeersC chan bool
}

// New starts a PeriodicalAnnouncer for t in its own goroutine.
// requestC is used to pull fresh stats from the torrent before each
// announce; results are sent on peersC.
func New(t tracker.Tracker, requestC chan *Request, peersC chan<- []tracker.Peer, defaultInterval time.Duration, log logger.Logger) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		Tracker:        t,
		requestC:       requestC,
		peersC:         peersC,
		log:            log,
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
		interval:       defaultInterval,
		needMorePeersC: make(chan bool, 1),
	}
	go a.run()
	return a
}

// NeedMorePeers lets the torrent ask for a faster re-announce once it
// runs low on peers; the announcer may shorten its next wait.
func (a *PeriodicalAnnouncer) NeedMorePeers(need bool) {
	select {
	case a.needMorePeersC <- need:
	default:
	}
}

// Close stops the announcer; it does not send a final "stopped" event
// (see StopAnnouncer for that).
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

func (a *PeriodicalAnnouncer) run() {
	defer close(a.doneC)

	a.announceOnce(context.Background(), tracker.EventStarted)
	for {
		wait := a.interval
		select {
		case need := <-a.needMorePeersC:
			if need {
				wait = 0
			}
		default:
		}
		select {
		case <-time.After(wait):
			a.announceOnce(context.Background(), tracker.EventNone)
		case <-a.closeC:
			return
		}
	}
}

func (a *PeriodicalAnnouncer) announceOnce(ctx context.Context, event tracker.Event) {
	a.status = Contacting
	req := &Request{Response: make(chan Response, 1), Cancel: make(chan struct{})}

	var stats tracker.Torrent
	select {
	case a.requestC <- req:
		select {
		case resp := <-req.Response:
			stats = resp.Torrent
		case <-a.closeC:
			close(req.Cancel)
			return
		}
	case <-a.closeC:
		return
	}

	resp, err := a.Tracker.Announce(ctx, stats, event, 0)
	if err != nil {
		a.status = Error
		a.lastErr = err
		a.log.Debugln("tracker announce failed:", err)
		return
	}
	a.status = Working
	a.lastErr = nil
	if resp.Interval > 0 {
		a.interval = resp.Interval
	}
	select {
	case a.peersC <- resp.Peers:
	case <-a.closeC:
	}
}

// StopAnnouncer sends a single "stopped" event to every tracker in
// parallel, with a bounded grace period, then signals doneC.
type StopAnnouncer struct {
	doneC chan struct{}
}

// NewStopAnnouncer fires the stopped event at every tracker and
// returns immediately; DoneC closes once all of them finish or grace
// elapses.
func NewStopAnnouncer(trackers []tracker.Tracker, stats tracker.Torrent, grace time.Duration, log logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{doneC: make(chan struct{})}
	go func() {
		defer close(s.doneC)
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		resultC := make(chan struct{}, len(trackers))
		for _, tr := range trackers {
			go func(tr tracker.Tracker) {
				if _, err := tr.Announce(ctx, stats, tracker.EventStopped, 0); err != nil {
					log.Debugln("stopped announce failed:", err)
				}
				resultC <- struct{}{}
			}(tr)
		}
		for range trackers {
			select {
			case <-resultC:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Close waits for the stop announces to finish (or the grace period
// to elapse).
func (s *StopAnnouncer) Close() {
	<-s.doneC
}

// DoneC signals when every stop announce has finished or timed out.
func (s *StopAnnouncer) DoneC() <-chan struct{} {
	return s.doneC
}

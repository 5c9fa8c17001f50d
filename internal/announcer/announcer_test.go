package announcer

import (
	"context"
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/tracker"
)

type fakeTracker struct {
	url      string
	response *tracker.Response
	err      error
	calls    chan tracker.Event
}

func (f *fakeTracker) URL() string { return f.url }

func (f *fakeTracker) Announce(ctx context.Context, tr tracker.Torrent, event tracker.Event, numWant int) (*tracker.Response, error) {
	select {
	case f.calls <- event:
	default:
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestNewAnnouncesOnStartAndForwardsPeers(t *testing.T) {
	ft := &fakeTracker{
		calls: make(chan tracker.Event, 4),
		response: &tracker.Response{
			Interval: time.Hour, // long, so only the initial announce fires within the test
			Peers:    []tracker.Peer{{Port: 6881}},
		},
	}
	requestC := make(chan *Request, 4)
	peersC := make(chan []tracker.Peer, 4)
	log := logger.New("test")

	a := New(ft, requestC, peersC, time.Hour, log)
	defer a.Close()

	select {
	case req := <-requestC:
		req.Response <- Response{Torrent: tracker.Torrent{Port: 6881}}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stats request")
	}

	select {
	case ev := <-ft.calls:
		if ev != tracker.EventStarted {
			t.Fatalf("expected started event first, got %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announce call")
	}

	select {
	case peers := <-peersC:
		if len(peers) != 1 || peers[0].Port != 6881 {
			t.Fatalf("unexpected peers: %+v", peers)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peers")
	}
}

func TestStopAnnouncerSignalsDoneOnceAllTrackersFinish(t *testing.T) {
	ft1 := &fakeTracker{calls: make(chan tracker.Event, 1), response: &tracker.Response{}}
	ft2 := &fakeTracker{calls: make(chan tracker.Event, 1), response: &tracker.Response{}}
	log := logger.New("test")

	s := NewStopAnnouncer([]tracker.Tracker{ft1, ft2}, tracker.Torrent{}, time.Second, log)
	select {
	case <-s.DoneC():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop announcer to finish")
	}

	for _, ft := range []*fakeTracker{ft1, ft2} {
		select {
		case ev := <-ft.calls:
			if ev != tracker.EventStopped {
				t.Fatalf("expected stopped event, got %v", ev)
			}
		default:
			t.Fatal("expected tracker to have been called")
		}
	}
}

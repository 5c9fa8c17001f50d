// Package peerwriter implements the outbound half of a peer connection:
// a single goroutine draining a queue of typed messages and writing
// their wire encoding to the socket.
package peerwriter

import (
	"io"
	"time"

	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

// KeepAliveInterval is how long the writer waits with nothing queued
// before sending an explicit keep-alive.
const KeepAliveInterval = 2 * time.Minute

// PeerWriter owns the outbound half of a peer connection.
type PeerWriter struct {
	w       io.Writer
	queueC  chan peerprotocol.Message
	closeC  chan struct{}
	closedC chan struct{}
}

// New returns a writer that serializes messages onto w.
func New(w io.Writer, queueDepth int) *PeerWriter {
	return &PeerWriter{
		w:       w,
		queueC:  make(chan peerprotocol.Message, queueDepth),
		closeC:  make(chan struct{}),
		closedC: make(chan struct{}),
	}
}

// SendMessage enqueues m for sending. It does not block the caller on
// network I/O; if the queue is full the call blocks only on queue
// space, never on the socket.
func (p *PeerWriter) SendMessage(m peerprotocol.Message) {
	select {
	case p.queueC <- m:
	case <-p.closeC:
	}
}

// Run drains the queue until stopC closes, writing each message's wire
// encoding to the underlying writer. It sends an unsolicited KeepAlive
// whenever KeepAliveInterval elapses with nothing queued.
func (p *PeerWriter) Run(stopC chan struct{}) {
	defer close(p.closedC)
	timer := time.NewTimer(KeepAliveInterval)
	defer timer.Stop()
	buf := make([]byte, 0, 4+1+peerprotocol.MaxBlockSize+8)
	for {
		select {
		case m := <-p.queueC:
			buf = buf[:0]
			buf = peerprotocol.Encode(m, buf)
			if _, err := p.w.Write(buf); err != nil {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(KeepAliveInterval)
		case <-timer.C:
			buf = buf[:0]
			buf = peerprotocol.EncodeKeepAlive(buf)
			if _, err := p.w.Write(buf); err != nil {
				return
			}
			timer.Reset(KeepAliveInterval)
		case <-stopC:
			return
		case <-p.closeC:
			return
		}
	}
}

// Close stops the writer goroutine.
func (p *PeerWriter) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
}

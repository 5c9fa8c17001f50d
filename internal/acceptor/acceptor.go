// Package acceptor runs the process-wide peer listener: one goroutine
// accepting raw net.Conns and handing them to the session for
// handshake-based demultiplexing onto the right torrent.
package acceptor

import (
	"net"

	"github.com/coreswarm/swarmd/internal/logger"
)

// Acceptor owns the listening socket peers connect to.
type Acceptor struct {
	listener net.Listener
	log      logger.Logger
}

// New wraps an already-listening net.Listener.
func New(listener net.Listener, log logger.Logger) *Acceptor {
	return &Acceptor{listener: listener, log: log}
}

// Addr returns the listener's bound address, used to report our
// listen port in announces.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Run accepts connections until the listener is closed or stopC
// fires, sending each accepted net.Conn on connC. Closing stopC closes
// the listener to unblock Accept.
func (a *Acceptor) Run(connC chan<- net.Conn, stopC chan struct{}) {
	go func() {
		<-stopC
		a.listener.Close()
	}()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-stopC:
				return
			default:
				a.log.Debugln("accept error:", err)
				return
			}
		}
		select {
		case connC <- conn:
		case <-stopC:
			conn.Close()
			return
		}
	}
}

// Package peerconn ties the peer-wire decoder and encoder to a live
// TCP connection, running the reader and writer each in their own
// goroutine and emitting decoded messages on a channel.
package peerconn

import (
	"net"
	"time"

	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/peerconn/peerreader"
	"github.com/coreswarm/swarmd/internal/peerconn/peerwriter"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

// InactivityTimeout is how long a connection may go without any
// inbound traffic before it is considered dead.
const InactivityTimeout = 2 * time.Minute

// Conn wraps a handshaken net.Conn, running the peer-wire codec and
// exposing decoded messages on a channel.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	ExtensionIDs  bool

	reader *peerreader.Decoder
	writer *peerwriter.PeerWriter
	log    logger.Logger

	messagesC chan interface{}
	errC      chan error

	closeC  chan struct{}
	closedC chan struct{}
}

// New wraps conn, which must already be past handshake, tagging it with
// the remote peer id and the reserved-bits-derived extension flags.
func New(conn net.Conn, id [20]byte, reserved [8]byte, pool *bufferpool.Pool, l logger.Logger, queueDepth int) *Conn {
	hs := peerprotocol.Handshake{Reserved: reserved}
	return &Conn{
		conn:          conn,
		id:            id,
		FastExtension: false,
		ExtensionIDs:  hs.HasExtensionProtocol(),
		reader:        peerreader.New(pool),
		writer:        peerwriter.New(conn, queueDepth),
		log:           l,
		messagesC:     make(chan interface{}, 128),
		errC:          make(chan error, 1),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

// ID returns the remote peer id.
func (c *Conn) ID() [20]byte { return c.id }

// Addr returns the remote TCP address.
func (c *Conn) Addr() *net.TCPAddr {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a
	}
	return nil
}

// IP returns the remote IP as a string, used for dedup bookkeeping.
func (c *Conn) IP() string {
	if a := c.Addr(); a != nil {
		return a.IP.String()
	}
	return c.conn.RemoteAddr().String()
}

func (c *Conn) String() string { return c.conn.RemoteAddr().String() }

// Logger returns the connection's logger.
func (c *Conn) Logger() logger.Logger { return c.log }

// Messages returns the channel of decoded messages (peerprotocol.Message
// values, peerreader.Piece, or peerreader.KeepAlive).
func (c *Conn) Messages() <-chan interface{} { return c.messagesC }

// Err returns a channel receiving at most one error when the connection
// terminates abnormally (nil is never sent). The channel is never
// closed and receives nothing on a graceful stop; use Done for that.
func (c *Conn) Err() <-chan error { return c.errC }

// Done returns a channel that closes once Run has returned, for a
// caller pumping Messages/Err in a select loop to notice a connection
// that was torn down by Close rather than by a read error.
func (c *Conn) Done() <-chan struct{} { return c.closedC }

// SendMessage enqueues m for transmission.
func (c *Conn) SendMessage(m peerprotocol.Message) {
	c.writer.SendMessage(m)
}

// CloseConn closes the underlying socket immediately without waiting
// for the reader/writer goroutines to observe it.
func (c *Conn) CloseConn() {
	_ = c.conn.Close()
}

// Close stops the connection's reader and writer goroutines and closes
// the socket, blocking until both have exited.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the reader and writer goroutines and blocks until the
// connection is closed, either by Close or by a read/write error.
func (c *Conn) Run() {
	defer close(c.closedC)

	writerDone := make(chan struct{})
	go func() {
		c.writer.Run(c.closeC)
		close(writerDone)
	}()

	readerDone := make(chan struct{})
	go func() {
		c.runReader()
		close(readerDone)
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.conn.Close()
	c.writer.Close()
	<-readerDone
	<-writerDone
}

// runReader pumps bytes from the socket through the decoder, applying
// backpressure when the buffer pool stalls: reads are suspended until
// the pool signals released capacity.
func (c *Conn) runReader() {
	buf := make([]byte, 64*1024)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(InactivityTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case c.errC <- err:
			default:
			}
			return
		}
		msgs, stalled, derr := c.reader.Feed(buf[:n])
		if derr != nil {
			select {
			case c.errC <- derr:
			default:
			}
			return
		}
		for _, m := range msgs {
			select {
			case c.messagesC <- m:
			case <-c.closeC:
				return
			}
		}
		for stalled {
			select {
			case <-c.closeC:
				return
			case <-poolReleased(c):
			}
			msgs, stalled, derr = c.reader.Feed(nil)
			if derr != nil {
				select {
				case c.errC <- derr:
				default:
				}
				return
			}
			for _, m := range msgs {
				select {
				case c.messagesC <- m:
				case <-c.closeC:
					return
				}
			}
		}
	}
}

// poolReleased exists only to keep runReader free of a direct
// bufferpool import cycle concern; Decoder retains the pool reference
// it was constructed with.
func poolReleased(c *Conn) <-chan struct{} {
	return c.reader.PoolReleased()
}

// Ours returns the reserved-bits value this implementation advertises
// on outgoing handshakes.
var Ours = peerprotocol.OurReserved

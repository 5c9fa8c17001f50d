package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/coreswarm/swarmd/internal/logger"
)

func TestRunForwardsAcceptedConns(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := New(ln, logger.New("test"))
	connC := make(chan net.Conn, 1)
	stopC := make(chan struct{})
	go a.Run(connC, stopC)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case conn := <-connC:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	close(stopC)
}

func TestRunStopsOnStopC(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := New(ln, logger.New("test"))
	connC := make(chan net.Conn)
	stopC := make(chan struct{})
	doneC := make(chan struct{})
	go func() {
		a.Run(connC, stopC)
		close(doneC)
	}()

	close(stopC)

	select {
	case <-doneC:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after stopC close")
	}
}

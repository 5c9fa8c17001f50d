package pex

import (
	"net"
	"testing"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestFlushReportsAddedThenDropped(t *testing.T) {
	p := New()
	p.Add(addr("1.2.3.4", 6881))

	m := p.Flush()
	if m == nil {
		t.Fatal("expected a message")
	}
	added, err := ParseAdded(m)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].String() != "1.2.3.4:6881" {
		t.Fatalf("unexpected added list: %+v", added)
	}
	if len(m.Dropped) != 0 {
		t.Fatalf("expected no drops, got %d bytes", len(m.Dropped))
	}

	p.Drop(addr("1.2.3.4", 6881))
	m2 := p.Flush()
	dropped, err := ParseDropped(m2)
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 1 || dropped[0].String() != "1.2.3.4:6881" {
		t.Fatalf("unexpected dropped list: %+v", dropped)
	}
}

func TestFlushReturnsNilWhenNothingChanged(t *testing.T) {
	p := New()
	if m := p.Flush(); m != nil {
		t.Fatalf("expected nil, got %+v", m)
	}
}

func TestAddTwiceIsIdempotent(t *testing.T) {
	p := New()
	p.Add(addr("5.6.7.8", 1))
	p.Flush()
	p.Add(addr("5.6.7.8", 1))
	if m := p.Flush(); m != nil {
		t.Fatalf("expected no-op second add to produce nothing, got %+v", m)
	}
}

func TestMarshalUnmarshalRoundTrips(t *testing.T) {
	p := New()
	p.Add(addr("9.9.9.9", 4000))
	m := p.Flush()

	b, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	added, err := ParseAdded(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].String() != "9.9.9.9:4000" {
		t.Fatalf("unexpected round trip result: %+v", added)
	}
}

func TestParseAddedRejectsMalformedLength(t *testing.T) {
	m := &Message{Added: []byte{1, 2, 3}}
	if _, err := ParseAdded(m); err == nil {
		t.Fatal("expected error for malformed compact peer list")
	}
}

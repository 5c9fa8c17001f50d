// Package pex implements BEP 11 peer exchange: the ut_pex extended
// message that lets two peers already connected to the same torrent
// trade the addresses of other peers they know about, without going
// through a tracker or the DHT.
package pex

import (
	"errors"
	"net"

	"github.com/zeebo/bencode"
)

var errMalformedPeerList = errors.New("pex: malformed compact peer list")

// Message is the bencoded payload of a ut_pex extended message: compact
// peer lists for additions and drops since the last message, plus an
// optional per-added-peer flag byte.
type Message struct {
	Added   []byte `bencode:"added"`
	AddedF  []byte `bencode:"added.f,omitempty"`
	Dropped []byte `bencode:"dropped"`
}

// Marshal encodes m as a bencoded dictionary.
func (m *Message) Marshal() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// Unmarshal decodes an incoming ut_pex payload.
func Unmarshal(b []byte) (*Message, error) {
	var m Message
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PEX tracks the peers known for one torrent and accumulates the
// additions/drops to report in the next outgoing ut_pex message.
type PEX struct {
	known   map[string]*net.TCPAddr
	added   map[string]*net.TCPAddr
	dropped map[string]*net.TCPAddr
}

// New returns an empty PEX tracker.
func New() *PEX {
	return &PEX{
		known:   make(map[string]*net.TCPAddr),
		added:   make(map[string]*net.TCPAddr),
		dropped: make(map[string]*net.TCPAddr),
	}
}

// Add records addr as connected, to be reported in the next Flush.
func (p *PEX) Add(addr *net.TCPAddr) {
	key := addr.String()
	if _, ok := p.known[key]; ok {
		return
	}
	p.known[key] = addr
	delete(p.dropped, key)
	p.added[key] = addr
}

// Drop records addr as disconnected, to be reported in the next Flush.
func (p *PEX) Drop(addr *net.TCPAddr) {
	key := addr.String()
	if _, ok := p.known[key]; !ok {
		return
	}
	delete(p.known, key)
	delete(p.added, key)
	p.dropped[key] = addr
}

// Flush builds the ut_pex message for everything accumulated since the
// previous Flush and clears the accumulators. Returns nil if there is
// nothing new to report.
func (p *PEX) Flush() *Message {
	if len(p.added) == 0 && len(p.dropped) == 0 {
		return nil
	}
	m := &Message{
		Added:   encodeCompact(p.added),
		Dropped: encodeCompact(p.dropped),
	}
	p.added = make(map[string]*net.TCPAddr)
	p.dropped = make(map[string]*net.TCPAddr)
	return m
}

func encodeCompact(addrs map[string]*net.TCPAddr) []byte {
	b := make([]byte, 0, 6*len(addrs))
	for _, addr := range addrs {
		ip4 := addr.IP.To4()
		if ip4 == nil {
			continue
		}
		b = append(b, ip4...)
		b = append(b, byte(addr.Port>>8), byte(addr.Port))
	}
	return b
}

// ParseAdded decodes the "added" compact peer list of an incoming
// message.
func ParseAdded(m *Message) ([]*net.TCPAddr, error) {
	return decodeCompact(m.Added)
}

// ParseDropped decodes the "dropped" compact peer list of an incoming
// message.
func ParseDropped(m *Message) ([]*net.TCPAddr, error) {
	return decodeCompact(m.Dropped)
}

func decodeCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errMalformedPeerList
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := make(net.IP, 4)
		copy(ip, b[i:i+4])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

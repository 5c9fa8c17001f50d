// Package peerreader implements the post-handshake peer-wire decoder:
// a state machine that accepts arbitrary byte chunks and emits exactly
// one typed message per complete frame, retaining partial data between
// calls.
package peerreader

import (
	"encoding/binary"
	"fmt"

	"github.com/coreswarm/swarmd/internal/bufferpool"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

// Decoder is a non-blocking frame decoder. Feed may be called with any
// number of bytes, including zero (to retry after a Stalled result once
// buffer pool capacity frees up).
type Decoder struct {
	pool    *bufferpool.Pool
	pending []byte
}

// New returns a decoder that leases Piece payload buffers from pool.
func New(pool *bufferpool.Pool) *Decoder {
	return &Decoder{pool: pool}
}

// Feed appends data to the decoder's retained buffer and decodes as
// many complete frames as are available. It returns the decoded
// messages (peerprotocol.Message values, plus KeepAlive for
// zero-length frames). If a Piece frame is available but the buffer
// pool is exhausted, decoding stops there (stalled=true); the
// undecoded frame remains pending and Feed should be retried with no
// new data once the caller is notified that pool capacity has freed
// up. A non-nil error is always fatal: the caller must close the
// connection.
func (d *Decoder) Feed(data []byte) (msgs []interface{}, stalled bool, err error) {
	if len(data) > 0 {
		d.pending = append(d.pending, data...)
	}

	pos := 0
	for {
		remaining := d.pending[pos:]
		if len(remaining) < 4 {
			break
		}
		length := binary.BigEndian.Uint32(remaining[:4])
		if length == 0 {
			msgs = append(msgs, KeepAlive{})
			pos += 4
			continue
		}
		if uint32(len(remaining)) < 4+length {
			// Partial frame; wait for more data.
			break
		}
		id := peerprotocol.MessageID(remaining[4])
		payload := remaining[5 : 4+length]

		if id == peerprotocol.Piece {
			if len(payload) < 8 {
				return msgs, false, fmt.Errorf("peerreader: invalid piece payload length %d", len(payload))
			}
			blockLen := len(payload) - 8
			if blockLen > peerprotocol.MaxBlockSize {
				return msgs, false, fmt.Errorf("peerreader: piece payload too large: %d", blockLen)
			}
			buf, ok := d.pool.Get()
			if !ok {
				// Leave this frame (and anything after it) pending;
				// signal Stalled so the owner suspends reads.
				stalled = true
				break
			}
			n := copy(buf, payload[8:])
			pm := peerprotocol.PieceMessage{
				Index: binary.BigEndian.Uint32(payload[0:4]),
				Begin: binary.BigEndian.Uint32(payload[4:8]),
				Data:  buf[:n],
			}
			msgs = append(msgs, Piece{PieceMessage: pm})
			pos += int(4 + length)
			continue
		}

		m, derr := peerprotocol.DecodePayload(id, payload)
		if derr != nil {
			return msgs, false, derr
		}
		msgs = append(msgs, m)
		pos += int(4 + length)
	}

	d.compact(pos)
	return msgs, stalled, nil
}

// compact drops the consumed prefix, copying the remainder down so the
// retained buffer does not grow without bound across the connection's
// lifetime.
func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := len(d.pending) - consumed
	copy(d.pending, d.pending[consumed:])
	d.pending = d.pending[:remaining]
}

// Pending returns the number of unconsumed bytes retained between Feed
// calls, for diagnostics and tests.
func (d *Decoder) Pending() int { return len(d.pending) }

// PoolReleased returns a channel that fires the next time the buffer
// pool backing this decoder frees up capacity, for a caller to wait on
// after receiving a Stalled result.
func (d *Decoder) PoolReleased() <-chan struct{} { return d.pool.Released() }

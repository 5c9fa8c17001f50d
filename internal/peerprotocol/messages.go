// Package peerprotocol implements the BEP 3 peer-wire message codec: the
// 68-byte handshake and the 4-byte length-prefixed message stream that
// follows it.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
)

// MessageID identifies a post-handshake message's type.
type MessageID byte

// Message ids as tabulated in BEP 3 plus the extension protocol (BEP 10).
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extension     MessageID = 20
)

// MaxBlockSize bounds the payload length of Bitfield and Piece messages.
// Oversized values are a fatal decode error.
const MaxBlockSize = 16 * 1024

// MaxExtensionPayload bounds Extension message payloads (100 MB).
const MaxExtensionPayload = 100 * 1024 * 1024

// Message is a single typed, post-handshake peer-wire message.
type Message interface {
	ID() MessageID
	// payloadLen is the encoded payload size, excluding the 4-byte
	// length prefix and the 1-byte message id.
	payloadLen() uint32
	// encodePayload appends the encoded payload (not the prefix or id)
	// to buf and returns the result.
	encodePayload(buf []byte) []byte
}

// KeepAlive represents the zero-length keep-alive message, which has no
// message id.
type KeepAlive struct{}

// --- fixed-size, no-payload messages ---

type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}

func (ChokeMessage) ID() MessageID            { return Choke }
func (ChokeMessage) payloadLen() uint32       { return 0 }
func (ChokeMessage) encodePayload(b []byte) []byte { return b }

func (UnchokeMessage) ID() MessageID            { return Unchoke }
func (UnchokeMessage) payloadLen() uint32       { return 0 }
func (UnchokeMessage) encodePayload(b []byte) []byte { return b }

func (InterestedMessage) ID() MessageID            { return Interested }
func (InterestedMessage) payloadLen() uint32       { return 0 }
func (InterestedMessage) encodePayload(b []byte) []byte { return b }

func (NotInterestedMessage) ID() MessageID            { return NotInterested }
func (NotInterestedMessage) payloadLen() uint32       { return 0 }
func (NotInterestedMessage) encodePayload(b []byte) []byte { return b }

// HaveMessage announces possession of a single piece.
type HaveMessage struct {
	Index uint32
}

func (HaveMessage) ID() MessageID      { return Have }
func (HaveMessage) payloadLen() uint32 { return 4 }
func (m HaveMessage) encodePayload(b []byte) []byte {
	return appendUint32(b, m.Index)
}

// BitfieldMessage carries the sender's packed possession bitfield.
type BitfieldMessage struct {
	Data []byte
}

func (BitfieldMessage) ID() MessageID                 { return Bitfield }
func (m BitfieldMessage) payloadLen() uint32           { return uint32(len(m.Data)) }
func (m BitfieldMessage) encodePayload(b []byte) []byte { return append(b, m.Data...) }

// RequestMessage asks for a single block.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID      { return Request }
func (RequestMessage) payloadLen() uint32 { return 12 }
func (m RequestMessage) encodePayload(b []byte) []byte {
	b = appendUint32(b, m.Index)
	b = appendUint32(b, m.Begin)
	b = appendUint32(b, m.Length)
	return b
}

// CancelMessage withdraws a previously sent Request.
type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID      { return Cancel }
func (CancelMessage) payloadLen() uint32 { return 12 }
func (m CancelMessage) encodePayload(b []byte) []byte {
	b = appendUint32(b, m.Index)
	b = appendUint32(b, m.Begin)
	b = appendUint32(b, m.Length)
	return b
}

// PieceMessage carries one block's bytes. Data is held by reference;
// Encode copies it once into the output buffer.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (PieceMessage) ID() MessageID      { return Piece }
func (m PieceMessage) payloadLen() uint32 { return 8 + uint32(len(m.Data)) }
func (m PieceMessage) encodePayload(b []byte) []byte {
	b = appendUint32(b, m.Index)
	b = appendUint32(b, m.Begin)
	b = append(b, m.Data...)
	return b
}

// PortMessage advertises the sender's DHT port (BEP 5).
type PortMessage struct {
	Port uint16
}

func (PortMessage) ID() MessageID      { return Port }
func (PortMessage) payloadLen() uint32 { return 2 }
func (m PortMessage) encodePayload(b []byte) []byte {
	return append(b, byte(m.Port>>8), byte(m.Port))
}

// ExtensionMessage carries a BEP 10 extension payload, opaque to the
// base wire codec beyond its own id byte.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           []byte
}

func (ExtensionMessage) ID() MessageID      { return Extension }
func (m ExtensionMessage) payloadLen() uint32 { return 1 + uint32(len(m.Payload)) }
func (m ExtensionMessage) encodePayload(b []byte) []byte {
	b = append(b, m.ExtendedMessageID)
	b = append(b, m.Payload...)
	return b
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// Encode serializes m as a full wire frame (4-byte length prefix + id +
// payload) appended to buf, and returns the result. No allocation
// beyond buf growth occurs for fixed-size messages; Piece payloads are
// copied into buf by a single append.
func Encode(m Message, buf []byte) []byte {
	totalLen := 1 + m.payloadLen() // id byte + payload
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], totalLen)
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, byte(m.ID()))
	buf = m.encodePayload(buf)
	return buf
}

// EncodeKeepAlive appends a zero-length keep-alive frame to buf.
func EncodeKeepAlive(buf []byte) []byte {
	return append(buf, 0, 0, 0, 0)
}

// EncodedLen returns the exact number of bytes Encode(m, nil) produces.
func EncodedLen(m Message) uint32 {
	return 4 + 1 + m.payloadLen()
}

// DecodePayload builds the typed Message for a given id and its raw
// payload bytes (the bytes following the id byte within one frame). It
// returns an error for an unknown id or a payload that violates a
// length bound from the table in BEP 3 / BEP 10.
func DecodePayload(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: invalid have payload length %d", len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		if len(payload) > MaxBlockSize {
			return nil, fmt.Errorf("peerprotocol: bitfield payload too large: %d", len(payload))
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		return BitfieldMessage{Data: data}, nil
	case Request:
		if len(payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid request payload length %d", len(payload))
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("peerprotocol: invalid piece payload length %d", len(payload))
		}
		if len(payload)-8 > MaxBlockSize {
			return nil, fmt.Errorf("peerprotocol: piece payload too large: %d", len(payload)-8)
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  data,
		}, nil
	case Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid cancel payload length %d", len(payload))
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("peerprotocol: invalid port payload length %d", len(payload))
		}
		return PortMessage{Port: uint16(payload[0])<<8 | uint16(payload[1])}, nil
	case Extension:
		if len(payload) < 1 {
			return nil, fmt.Errorf("peerprotocol: empty extension payload")
		}
		if len(payload)-1 > MaxExtensionPayload {
			return nil, fmt.Errorf("peerprotocol: extension payload too large: %d", len(payload)-1)
		}
		data := make([]byte, len(payload)-1)
		copy(data, payload[1:])
		return ExtensionMessage{ExtendedMessageID: payload[0], Payload: data}, nil
	default:
		return nil, fmt.Errorf("peerprotocol: unknown message id %d", id)
	}
}

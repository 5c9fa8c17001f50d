package peerprotocol

import "github.com/zeebo/bencode"

// Extended message ids (BEP 10). Id 0 is reserved for the handshake
// itself; every other id is negotiated per-connection via the
// handshake's "m" dictionary.
const (
	ExtensionIDHandshake uint8 = 0
)

// Extension keys this implementation registers in the handshake's "m"
// dictionary. ExtensionKeyMetadata is BEP 9 (ut_metadata); ExtensionKeyPEX
// is BEP 11 (ut_pex).
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// ExtensionHandshakeMessage is the BEP 10 handshake payload, sent as
// extended message id 0 immediately after the base handshake when both
// sides advertise the extension protocol reserved bit.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	Version      string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
}

// NewExtensionHandshake builds our outgoing handshake payload,
// advertising the given extended ids for the messages we support and,
// if known, the total size of the info dictionary for BEP 9 transfers.
func NewExtensionHandshake(metadataSize uint32, version string) *ExtensionHandshakeMessage {
	return &ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionKeyMetadata: 1,
			ExtensionKeyPEX:      2,
		},
		MetadataSize: metadataSize,
		Version:      version,
	}
}

// Marshal encodes m as the bencoded payload of an extended
// handshake message.
func (m *ExtensionHandshakeMessage) Marshal() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// UnmarshalExtensionHandshake decodes an incoming extended handshake
// payload.
func UnmarshalExtensionHandshake(b []byte) (*ExtensionHandshakeMessage, error) {
	var m ExtensionHandshakeMessage
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ExtensionMetadataMessageType distinguishes the three BEP 9 message
// shapes that share the ut_metadata extended id.
type ExtensionMetadataMessageType int

const (
	ExtensionMetadataMessageTypeRequest ExtensionMetadataMessageType = 0
	ExtensionMetadataMessageTypeData     ExtensionMetadataMessageType = 1
	ExtensionMetadataMessageTypeReject   ExtensionMetadataMessageType = 2
)

// ExtensionMetadataMessage is the bencoded dictionary prefix of a BEP 9
// ut_metadata message; for a Data message, the raw info-dictionary
// piece bytes follow immediately after this dictionary in the same
// extended-message payload and are handled separately by the caller.
type ExtensionMetadataMessage struct {
	Type      ExtensionMetadataMessageType `bencode:"msg_type"`
	Piece     uint32                       `bencode:"piece"`
	TotalSize uint32                       `bencode:"total_size,omitempty"`
}

// Marshal encodes m as a bencoded dictionary.
func (m *ExtensionMetadataMessage) Marshal() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// MetadataPieceSize is the fixed chunk size BEP 9 divides the info
// dictionary into, except for the final piece.
const MetadataPieceSize = 16 * 1024

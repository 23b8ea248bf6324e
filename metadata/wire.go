package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/anacrolix/torrent/bencode"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

const (
	handshakeID = 0
	// localMetadataID is the ut_metadata message id we advertise.
	localMetadataID = 1
	pieceSize       = 16 << 10
	maxMessage      = pieceSize + 1024

	msgRequest = 0
	msgData    = 1
	msgReject  = 2
)

var (
	errNoExtensions = errors.New("peer does not support extensions")
	errNoMetadata   = errors.New("peer does not support ut_metadata")
	errWrongHash    = errors.New("peer answered for another infohash")
	errRejected     = errors.New("peer rejected metadata request")
	errHashMismatch = errors.New("metadata hash mismatch")
)

type extHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size"`
}

type metadataMsg struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

func handshakeBytes(infoHash [20]byte, peerID [20]byte) []byte {
	b := make([]byte, 0, 68)
	b = append(b, pp.Protocol...)
	var reserved [8]byte
	reserved[5] |= 0x10
	b = append(b, reserved[:]...)
	b = append(b, infoHash[:]...)
	return append(b, peerID[:]...)
}

func readHandshake(r io.Reader, infoHash [20]byte) error {
	var b [68]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if string(b[:20]) != pp.Protocol {
		return fmt.Errorf("unexpected protocol %q", b[1:20])
	}
	if b[25]&0x10 == 0 {
		return errNoExtensions
	}
	if !bytes.Equal(b[28:48], infoHash[:]) {
		return errWrongHash
	}
	return nil
}

func extendedMessage(id int, payload interface{}, trailer []byte) ([]byte, error) {
	p, err := bencode.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := pp.Message{
		Type:            pp.Extended,
		ExtendedID:      pp.ExtensionNumber(id),
		ExtendedPayload: append(p, trailer...),
	}
	return msg.MarshalBinary()
}

func localHandshake() ([]byte, error) {
	return extendedMessage(handshakeID, pp.ExtendedHandshakeMessage{
		M: map[pp.ExtensionName]pp.ExtensionNumber{
			pp.ExtensionNameMetadata: localMetadataID,
		},
		V: "simple-spider",
	}, nil)
}

// readMessage reads one length prefixed message. Keepalives come back as
// an empty body.
func readMessage(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxMessage {
		return nil, fmt.Errorf("message too long: %d", n)
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

// splitDataMessage separates the bencoded header of a ut_metadata message
// from the raw piece bytes following it.
func splitDataMessage(payload []byte) (metadataMsg, []byte, error) {
	var m metadataMsg
	d := bencode.NewDecoder(bytes.NewReader(payload))
	if err := d.Decode(&m); err != nil {
		return m, nil, fmt.Errorf("malformed metadata message: %w", err)
	}
	return m, payload[d.Offset:], nil
}

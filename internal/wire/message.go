// Package wire implements the BitTorrent peer wire protocol: the 68-byte
// handshake and the length-prefixed message framing of BEP 3.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// MessageID identifies a peer-wire message type.
type MessageID byte

const (
	Choke MessageID = 0
	Unchoke MessageID = 1
	Interested MessageID = 2
	NotInterested MessageID = 3
	Have MessageID = 4
	Bitfield MessageID = 5
	Request MessageID = 6
	Piece MessageID = 7
	Cancel MessageID = 8
	Port MessageID = 9 // DHT (BEP 5) port announcement
	Extended MessageID = 20 // extension protocol (BEP 10)
)

// MessageError reports a framing/encoding violation for a specific message
// type.
type MessageError struct {
	ID MessageID
	Len int
	Err error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("wire: message id %d len %d: %v", e.ID, e.Len, e.Err)
}
func (e *MessageError) Unwrap() error { return e.Err }

// Message is a fully parsed peer-wire message. A keep-alive has KeepAlive
// set and carries no ID.
type Message struct {
	KeepAlive bool
	ID MessageID
	Index uint32 // HAVE, REQUEST, PIECE, CANCEL
	Begin uint32 // REQUEST, PIECE, CANCEL
	Length uint32 // REQUEST, CANCEL
	Bitfield []byte // BITFIELD
	Block []byte // PIECE payload
	PortNum uint16 // PORT

	ExtendedID byte // EXTENDED: 0 == handshake, else a peer-assigned extension id
	ExtendedPayload []byte // EXTENDED: bencoded dict, optionally followed by a raw byte tail (ut_metadata piece data)
}

const maxMessageLength = 1 << 20 // 1 MiB; guards against a hostile/garbled length prefix

// ReadMessage reads and parses one length-prefixed message frame from r,
// validating the per-type length contracts.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{KeepAlive: true}, nil
	}
	if length > maxMessageLength {
		return nil, ccerr.Protocol("wire.ReadMessage", fmt.Errorf("message length %d exceeds limit", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return parseMessage(MessageID(payload[0]), payload[1:])
}

func parseMessage(id MessageID, body []byte) (*Message, error) {
	m := &Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("expected empty body")}
		}
	case Have:
		if len(body) != 4 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("HAVE must be exactly 5 bytes total")}
		}
		m.Index = binary.BigEndian.Uint32(body)
	case Bitfield:
		m.Bitfield = append([]byte(nil), body...)
	case Request, Cancel:
		if len(body) != 12 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("REQUEST/CANCEL must be exactly 13 bytes total")}
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Length = binary.BigEndian.Uint32(body[8:12])
	case Piece:
		if len(body) < 8 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("PIECE must be at least 9 bytes total")}
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Block = append([]byte(nil), body[8:]...)
	case Port:
		if len(body) != 2 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("PORT must be exactly 3 bytes total")}
		}
		m.PortNum = binary.BigEndian.Uint16(body)
	case Extended:
		if len(body) < 1 {
			return nil, &MessageError{ID: id, Len: len(body) + 1, Err: fmt.Errorf("EXTENDED must be at least 2 bytes total")}
		}
		m.ExtendedID = body[0]
		m.ExtendedPayload = append([]byte(nil), body[1:]...)
	default:
		// Unknown message IDs: reject during handshake is enforced by the
		// caller (peer session hasn't reached Operational yet); once
		// Operational, unknown IDs are tolerated so extension negotiation
		// doesn't take down the connection, so it is surfaced as a distinct
		// Message rather than an error and let the caller decide.
		m.Block = append([]byte(nil), body...)
	}
	return m, nil
}

// WriteMessage serializes and writes m to w.
func WriteMessage(w io.Writer, m *Message) error {
	if m.KeepAlive {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	body, err := encodeBody(m)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf, uint32(1+len(body)))
	buf[4] = byte(m.ID)
	copy(buf[5:], body)
	_, err = w.Write(buf)
	return err
}

func encodeBody(m *Message) ([]byte, error) {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		return nil, nil
	case Have:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, m.Index)
		return b, nil
	case Bitfield:
		return m.Bitfield, nil
	case Request, Cancel:
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], m.Index)
		binary.BigEndian.PutUint32(b[4:8], m.Begin)
		binary.BigEndian.PutUint32(b[8:12], m.Length)
		return b, nil
	case Piece:
		b := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(b[0:4], m.Index)
		binary.BigEndian.PutUint32(b[4:8], m.Begin)
		copy(b[8:], m.Block)
		return b, nil
	case Port:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, m.PortNum)
		return b, nil
	case Extended:
		b := make([]byte, 1+len(m.ExtendedPayload))
		b[0] = m.ExtendedID
		copy(b[1:], m.ExtendedPayload)
		return b, nil
	default:
		return nil, fmt.Errorf("wire: cannot encode unknown message id %d", m.ID)
	}
}

func NewHave(index uint32) *Message { return &Message{ID: Have, Index: index} }
func NewBitfield(bits []byte) *Message { return &Message{ID: Bitfield, Bitfield: bits} }
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Index: index, Begin: begin, Length: length}
}
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}
func NewPiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Begin: begin, Block: block}
}
func NewKeepAlive() *Message { return &Message{KeepAlive: true} }

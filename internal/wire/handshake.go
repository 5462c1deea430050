package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	protocolString = "BitTorrent protocol"
	HandshakeLength = 1 + len(protocolString) + 8 + 20 + 20
	ExtensionBitmap8 = 0x10 // ut-metadata / extension protocol (BEP 10), bit 20 from the right
	ExtensionDHT = 0x01 // BEP 5 DHT bit 0 from the right (reserved[7] bit 0)
)

// Handshake is the fixed 68-byte peer-wire handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID [20]byte
}

// ReadHandshake reads and validates a handshake from r. The protocol-length
// byte is read first and checked in isolation so a non-19 byte (a port
// scanner, not a BitTorrent peer) can be rejected before any further read.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, fmt.Errorf("wire: read protocol length: %w", err)
	}
	if lenByte[0] != 19 {
		return nil, ccerr.Protocol("wire.ReadHandshake", ccerr.ErrBadHandshakeMagic)
	}

	rest := make([]byte, HandshakeLength-1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("wire: read handshake body: %w", err)
	}
	if !bytes.Equal(rest[0:19], []byte(protocolString)) {
		return nil, ccerr.Protocol("wire.ReadHandshake", ccerr.ErrBadHandshakeMagic)
	}

	hs := &Handshake{}
	copy(hs.Reserved[:], rest[19:27])
	copy(hs.InfoHash[:], rest[27:47])
	copy(hs.PeerID[:], rest[47:67])
	return hs, nil
}

// WriteHandshake writes the fixed handshake bytes to w.
func WriteHandshake(w io.Writer, hs *Handshake) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, 19)
	buf = append(buf, protocolString...)
	buf = append(buf, hs.Reserved[:]...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// SetBit sets bit n (counted from the most significant bit of Reserved[0])
// in the 64-bit reserved extension bitmap.
func (h *Handshake) SetBit(n uint) {
	h.Reserved[n/8] |= 1 << (7 - n%8)
}

// HasBit reports whether bit n is set.
func (h *Handshake) HasBit(n uint) bool {
	return h.Reserved[n/8]&(1<<(7-n%8)) != 0
}

// SupportsExtensionProtocol reports BEP 10 support (bit 43 per convention).
func (h *Handshake) SupportsExtensionProtocol() bool { return h.HasBit(43) }

// SupportsDHT reports BEP 5 DHT support (bit 63 per convention).
func (h *Handshake) SupportsDHT() bool { return h.HasBit(63) }

package security

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// PeerHandshakeProof is the optional Ed25519 peer-handshake extension:
// peers exchange (public_key, signature, timestamp) signed over
// infoHash || peerID || timestamp.
type PeerHandshakeProof struct {
	PublicKey ed25519.PublicKey
	Signature []byte
	Timestamp time.Time
}

func peerHandshakeMessage(infoHash, peerID [20]byte, ts time.Time) []byte {
	msg := make([]byte, 0, 48)
	msg = append(msg, infoHash[:]...)
	msg = append(msg, peerID[:]...)
	msg = append(msg, []byte(formatTimestamp(tsFloat(ts)))...)
	return msg
}

// ProvePeerHandshake signs the extension payload for an outbound handshake.
func (id *Identity) ProvePeerHandshake(infoHash, peerID [20]byte) PeerHandshakeProof {
	ts := time.Now()
	msg := peerHandshakeMessage(infoHash, peerID, ts)
	return PeerHandshakeProof{
		PublicKey: id.Public,
		Signature: id.Sign(msg),
		Timestamp: ts,
	}
}

// VerifyPeerHandshake checks an inbound proof against the info-hash and
// peer-id the handshake carried. A failure is returned as a security error;
// the function closes no connection itself, and no peer-wire code in this
// module calls it.
func VerifyPeerHandshake(proof PeerHandshakeProof, infoHash, peerID [20]byte) error {
	if len(proof.PublicKey) != ed25519.PublicKeySize {
		return ccerr.Security("security.VerifyPeerHandshake", fmt.Errorf("bad public key length"))
	}
	msg := peerHandshakeMessage(infoHash, peerID, proof.Timestamp)
	if !ed25519.Verify(proof.PublicKey, msg, proof.Signature) {
		return ccerr.Security("security.VerifyPeerHandshake", ccerr.ErrInvalidSignature)
	}
	return nil
}

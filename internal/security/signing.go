package security

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// SignRequest builds the IPC request-signing message
// "METHOD PATH\nTIMESTAMP\nsha256(body)" and signs it.
func (id *Identity) SignRequest(method, path string, body []byte, ts time.Time) (pubHex, sigHex string, timestamp float64) {
	msg := requestMessage(method, path, body, ts)
	sig := id.Sign(msg)
	return id.PublicKeyHex(), hex.EncodeToString(sig), tsFloat(ts)
}

func requestMessage(method, path string, body []byte, ts time.Time) []byte {
	bodySum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s %s\n%s\n%s", method, path, formatTimestamp(tsFloat(ts)), hex.EncodeToString(bodySum[:])))
}

func tsFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// VerifyRequest verifies an inbound IPC request's Ed25519 signature and
// enforces the replay window. pubHex/sigHex/timestamp
// come straight off the X-Public-Key/X-Signature/X-Timestamp headers.
func VerifyRequest(method, path string, body []byte, pubHex, sigHex, timestampStr string, replayWindow time.Duration, now time.Time) error {
	ts, err := strconv.ParseFloat(timestampStr, 64)
	if err != nil {
		return ccerr.Security("security.VerifyRequest", fmt.Errorf("bad timestamp: %w", err))
	}
	delta := math.Abs(tsFloat(now) - ts)
	if delta > replayWindow.Seconds() {
		return ccerr.Security("security.VerifyRequest", ccerr.ErrReplay)
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ccerr.Security("security.VerifyRequest", fmt.Errorf("bad public key"))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ccerr.Security("security.VerifyRequest", fmt.Errorf("bad signature encoding"))
	}

	msg := []byte(fmt.Sprintf("%s %s\n%s\n%s", method, path, formatTimestamp(ts), hexSHA256(body)))
	if !ed25519.Verify(pub, msg, sig) {
		return ccerr.Security("security.VerifyRequest", ccerr.ErrInvalidSignature)
	}
	return nil
}

func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const certValidity = 365 * 24 * time.Hour

// SelfSignedCert generates an X.509 certificate using the identity's
// Ed25519 keypair as the certificate key, SAN {localhost, 127.0.0.1, ::1},
// and 365-day validity.
func (id *Identity) SelfSignedCert() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, ccerr.Security("security.SelfSignedCert", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{CommonName: "ccbtd"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter: time.Now().Add(certValidity),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames: []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		IsCA: true,
		BasicConstraintsValid: true,
	}

	// crypto/x509 requires a crypto.Signer; ed25519.PrivateKey satisfies it.
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, id.Public, ed25519.PrivateKey(id.private))
	if err != nil {
		return tls.Certificate{}, ccerr.Security("security.SelfSignedCert", fmt.Errorf("creating certificate: %w", err))
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey: id.private,
	}
	return cert, nil
}

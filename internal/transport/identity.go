package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Hao2203/wavetun/internal/identity"
)

// certValidity is long enough that short-lived agent processes never
// need to rotate the self-signed leaf; identity, not certificate
// lifetime, is what peers actually verify.
const certValidity = 100 * 365 * 24 * time.Hour

// ErrPeerIdentityMismatch is returned by the dial-side verifier when the
// certificate a peer presents does not embed the expected NodeId.
var ErrPeerIdentityMismatch = errors.New("transport: peer certificate does not match expected node id")

// selfSignedCert builds a self-signed leaf certificate whose subject
// public key IS the node's Ed25519 identity key — the certificate
// carries no separate key material, it only wraps the NodeId for TLS,
// so the leaf certificate doubles as an identity assertion.
func selfSignedCert(kp *identity.Keypair) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.ID.String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.Private.Public().(ed25519.PublicKey), kp.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create self-signed certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.Private,
	}, nil
}

// nodeIDFromCert extracts the NodeId embedded as a leaf certificate's
// Ed25519 subject public key.
func nodeIDFromCert(cert *x509.Certificate) (identity.NodeId, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.ZeroID, fmt.Errorf("transport: certificate public key is %T, not ed25519", cert.PublicKey)
	}
	return identity.FromBytes(pub)
}

// nodeIDFromCertBytes parses a DER-encoded certificate (as returned by
// QUICPeerConn.PeerCertificates) and extracts its embedded NodeId.
func nodeIDFromCertBytes(der []byte) (identity.NodeId, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return identity.ZeroID, fmt.Errorf("transport: parse certificate: %w", err)
	}
	return nodeIDFromCert(cert)
}

// verifyPeerNodeID returns a tls.Config.VerifyPeerCertificate callback
// that accepts only a peer whose leaf certificate's embedded NodeId
// equals want. Standard chain verification is skipped (these are
// self-signed leaves, not CA-issued), but the certificate's signature
// over itself is still checked by re-parsing it — a forged leaf would
// need the corresponding Ed25519 private key to sign it, which only the
// genuine node holds.
func verifyPeerNodeID(want identity.NodeId) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("transport: peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("transport: parse peer certificate: %w", err)
		}
		if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return fmt.Errorf("transport: peer certificate self-signature invalid: %w", err)
		}
		got, err := nodeIDFromCert(cert)
		if err != nil {
			return err
		}
		if !got.Equal(want) {
			return ErrPeerIdentityMismatch
		}
		return nil
	}
}

// NewServerTLSConfig builds a listener-side TLS config that presents kp's
// identity-bound certificate and performs no client-certificate
// verification at the handshake layer — the server dispatcher does not
// need to know which node is dialing it, only the client dispatcher
// needs to verify the server's identity.
func NewServerTLSConfig(kp *identity.Keypair) (*tls.Config, error) {
	cert, err := selfSignedCert(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// NewClientTLSConfig builds a dial-side TLS config that presents kp's
// own identity-bound certificate and verifies the remote peer's
// certificate embeds exactly remoteID.
func NewClientTLSConfig(kp *identity.Keypair, remoteID identity.NodeId) (*tls.Config, error) {
	cert, err := selfSignedCert(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{ALPNProtocol},
		MinVersion:            tls.VersionTLS13,
		InsecureSkipVerify:    true, // chain verification is replaced by VerifyPeerCertificate below
		VerifyPeerCertificate: verifyPeerNodeID(remoteID),
	}, nil
}

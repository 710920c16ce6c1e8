package ctrfs

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/connesc/ctrfs/ctrutil"
)

// Signature types of certificates, tickets and TMDs.
const (
	SignatureRSA4096SHA1   = 0x10000
	SignatureRSA2048SHA1   = 0x10001
	SignatureECDSASHA1     = 0x10002
	SignatureRSA4096SHA256 = 0x10003
	SignatureRSA2048SHA256 = 0x10004
	SignatureECDSASHA256   = 0x10005
)

// Public key types of certificates.
const (
	KeyRSA4096 = 0
	KeyRSA2048 = 1
	KeyECC     = 2
)

// signatureSize returns the size of the signature itself.
func signatureSize(signatureType uint32) (int, error) {
	switch signatureType {
	case SignatureRSA4096SHA1, SignatureRSA4096SHA256:
		return 0x200, nil
	case SignatureRSA2048SHA1, SignatureRSA2048SHA256:
		return 0x100, nil
	case SignatureECDSASHA1, SignatureECDSASHA256:
		return 0x3c, nil
	default:
		return 0, fmt.Errorf("%w: unknown signature type 0x%08x", ctrutil.ErrInvalidFormat, signatureType)
	}
}

// signatureBlockSize returns the offset of the signed data: the signature type and the
// signature, padded to 0x40 bytes.
func signatureBlockSize(signatureType uint32) (int, error) {
	size, err := signatureSize(signatureType)
	if err != nil {
		return 0, err
	}
	return ctrutil.AlignUp(4+size, 0x40), nil
}

type Certificate struct {
	SignatureType Hex32
	Signature     Hex `json:"-"`
	Issuer        string
	KeyType       uint32
	Name          string
	Expiration    uint32
	// PublicKey is a *rsa.PublicKey for RSA certificates, the raw point for ECC ones.
	PublicKey crypto.PublicKey `json:"-"`

	signed []byte
	Raw    []byte `json:"-"`
}

// FullName is the issuer string of objects signed with this certificate.
func (c *Certificate) FullName() string {
	return c.Issuer + "-" + c.Name
}

// ParseCertificates parses a chain of certificates, as found in CIA files and in the trailers
// of TMDs and tickets.
func ParseCertificates(raw []byte) ([]*Certificate, error) {
	var certs []*Certificate
	for len(raw) > 0 {
		cert, size, err := parseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("certs: certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
		raw = raw[size:]
	}
	return certs, nil
}

func parseCertificate(raw []byte) (*Certificate, int, error) {
	if len(raw) < 4 {
		return nil, 0, fmt.Errorf("%w: truncated signature type", ctrutil.ErrInvalidFormat)
	}
	signatureType := binary.BigEndian.Uint32(raw)
	sigSize, err := signatureSize(signatureType)
	if err != nil {
		return nil, 0, err
	}
	bodyOffset, _ := signatureBlockSize(signatureType)
	if len(raw) < bodyOffset+0x88 {
		return nil, 0, fmt.Errorf("%w: truncated certificate", ctrutil.ErrInvalidFormat)
	}
	body := raw[bodyOffset:]

	cert := &Certificate{
		SignatureType: Hex32(signatureType),
		Signature:     append(Hex(nil), raw[4:4+sigSize]...),
		Issuer:        cString(body[:0x40]),
		KeyType:       binary.BigEndian.Uint32(body[0x40:]),
		Name:          cString(body[0x44:0x84]),
		Expiration:    binary.BigEndian.Uint32(body[0x84:]),
	}

	var keySize int
	switch cert.KeyType {
	case KeyRSA4096, KeyRSA2048:
		modulusSize := 0x200
		if cert.KeyType == KeyRSA2048 {
			modulusSize = 0x100
		}
		keySize = modulusSize + 0x4 + 0x34
		if len(body) < 0x88+keySize {
			return nil, 0, fmt.Errorf("%w: truncated public key", ctrutil.ErrInvalidFormat)
		}
		key := body[0x88:]
		cert.PublicKey = &rsa.PublicKey{
			N: new(big.Int).SetBytes(key[:modulusSize]),
			E: int(binary.BigEndian.Uint32(key[modulusSize:])),
		}
	case KeyECC:
		keySize = 0x3c + 0x3c
		if len(body) < 0x88+keySize {
			return nil, 0, fmt.Errorf("%w: truncated public key", ctrutil.ErrInvalidFormat)
		}
		cert.PublicKey = append([]byte(nil), body[0x88:0x88+0x3c]...)
	default:
		return nil, 0, fmt.Errorf("%w: unknown key type 0x%08x", ctrutil.ErrInvalidFormat, cert.KeyType)
	}

	size := bodyOffset + 0x88 + keySize
	cert.signed = raw[bodyOffset:size]
	cert.Raw = raw[:size]
	return cert, size, nil
}

// Verify checks that signature, of the given type, was made over data with this certificate.
func (c *Certificate) Verify(signatureType uint32, signature, data []byte) error {
	key, ok := c.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certs: %s: unsupported public key type %d", c.Name, c.KeyType)
	}

	var hash crypto.Hash
	var digest []byte
	switch signatureType {
	case SignatureRSA4096SHA1, SignatureRSA2048SHA1:
		sum := sha1.Sum(data)
		hash, digest = crypto.SHA1, sum[:]
	case SignatureRSA4096SHA256, SignatureRSA2048SHA256:
		sum := sha256.Sum256(data)
		hash, digest = crypto.SHA256, sum[:]
	default:
		return fmt.Errorf("certs: %s: unsupported signature type 0x%08x", c.Name, signatureType)
	}

	if err := rsa.VerifyPKCS1v15(key, hash, digest, signature); err != nil {
		return fmt.Errorf("certs: invalid signature from %s: %w", c.FullName(), err)
	}
	return nil
}

// findCertificate looks up the certificate whose full name is issuer.
func findCertificate(issuer string, certs []*Certificate) (*Certificate, error) {
	for _, cert := range certs {
		if cert.FullName() == issuer {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("certs: certificate %s: %w", issuer, ctrutil.ErrNotPresent)
}

// verifyChain verifies a signature issued by issuer, then the certificates leading to the
// root. The root key itself is not known, so certificates issued by "Root" are trusted.
func verifyChain(issuer string, signatureType uint32, signature, data []byte, certs []*Certificate) error {
	for depth := 0; depth <= len(certs); depth++ {
		if issuer == "Root" || !strings.HasPrefix(issuer, "Root-") {
			return fmt.Errorf("certs: %w: unexpected issuer %q", ctrutil.ErrInvalidFormat, issuer)
		}
		cert, err := findCertificate(issuer, certs)
		if err != nil {
			return err
		}
		if err := cert.Verify(signatureType, signature, data); err != nil {
			return err
		}
		if cert.Issuer == "Root" {
			return nil
		}
		issuer, signatureType, signature, data = cert.Issuer, uint32(cert.SignatureType), cert.Signature, cert.signed
	}
	return fmt.Errorf("certs: %w: certificate chain is too long", ctrutil.ErrInvalidFormat)
}

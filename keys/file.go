// Package keys provides the VAPID identity: the application server's P-256
// signing key, its public key, and the contact subject.
package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs the given SHA-256 digest and returns the signature in
	// IEEE P1363 format (r || s).
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// FileSigner implements the Signer interface using a locally held key.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewFileSignerFromRaw creates a FileSigner from a 32-byte big-endian
// P-256 private scalar.
func NewFileSignerFromRaw(raw []byte) (*FileSigner, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	// crypto/ecdh rejects zero and out-of-range scalars.
	ecdhKey, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private scalar: %w", err)
	}
	pubKey := ecdhKey.PublicKey().Bytes()

	x, y := elliptic.Unmarshal(elliptic.P256(), pubKey)
	if x == nil {
		return nil, errors.New("derived public key is not on P-256")
	}

	return &FileSigner{
		privateKey: &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
			D:         new(big.Int).SetBytes(raw),
		},
		publicKey: pubKey,
	}, nil
}

// NewFileSignerFromBase64 creates a FileSigner from a base64url-encoded
// private scalar.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	privKeyBytes, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	return NewFileSignerFromRaw(privKeyBytes)
}

// NewFileSignerFromPEM parses an "EC PRIVATE KEY" or PKCS#8 PEM block.
func NewFileSignerFromPEM(data []byte) (*FileSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	privKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		key, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		var ok bool
		if privKey, ok = key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("key is %T, not ECDSA", key)
		}
	}

	if privKey.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}
	return NewFileSignerFromRaw(privKey.D.FillBytes(make([]byte, 32)))
}

// GenerateFileSigner creates a FileSigner with a fresh P-256 key.
func GenerateFileSigner() (*FileSigner, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return NewFileSignerFromRaw(key.Bytes())
}

// Sign signs the given digest using ECDSA with a random nonce and returns
// the signature in IEEE P1363 format.
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	// Convert to IEEE P1363 format (r || s, each 32 bytes)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PrivateKeyBytes returns the 32-byte private scalar.
func (s *FileSigner) PrivateKeyBytes() []byte {
	return s.privateKey.D.FillBytes(make([]byte, 32))
}

// PEM returns the private key as an "EC PRIVATE KEY" PEM block.
func (s *FileSigner) PEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// GenerateKeyPair generates a new key pair and returns both keys in base64url format.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	s, err := GenerateFileSigner()
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(s.PrivateKeyBytes()),
		base64.RawURLEncoding.EncodeToString(s.PublicKey()),
		nil
}

package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/hkdf"
)

const (
	// MaxRecordSize is the largest record push services are required to
	// accept.
	MaxRecordSize = 4096

	saltLen   = 16
	keyIDLen  = 65 // uncompressed P-256 point
	headerLen = saltLen + 4 + 1 + keyIDLen
	tagLen    = 16
	authLen   = 16

	// MaxPayloadSize is the largest plaintext that fits in one record next
	// to the header, the padding delimiter and the GCM tag.
	MaxPayloadSize = MaxRecordSize - headerLen - tagLen - 1

	// RFC 8188 requires a record size of at least 18.
	minRecordSize = 18

	lastRecordDelimiter = 0x02
)

var (
	webPushInfo   = []byte("WebPush: info\x00")
	cekInfo       = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo     = []byte("Content-Encoding: nonce\x00")
	errDecryption = errors.New("decrypting message")
)

// EncryptedMessage is an aes128gcm encoded Web Push message body.
type EncryptedMessage struct {
	Salt       []byte // 16 random bytes
	RecordSize uint32 // equals len(Ciphertext)
	KeyID      []byte // sender's ephemeral public key, uncompressed
	Ciphertext []byte // AES-128-GCM output including the tag
}

// Bytes serializes the message as salt || rs || idlen || keyid || ciphertext.
func (m *EncryptedMessage) Bytes() []byte {
	out := make([]byte, 0, len(m.Salt)+5+len(m.KeyID)+len(m.Ciphertext))
	out = append(out, m.Salt...)
	out = binary.BigEndian.AppendUint32(out, m.RecordSize)
	out = append(out, byte(len(m.KeyID)))
	out = append(out, m.KeyID...)
	return append(out, m.Ciphertext...)
}

// Encryptor encrypts payloads for subscribers.
type Encryptor struct {
	// MaxPayloadSize caps accepted plaintexts. Zero, or a value above the
	// package MaxPayloadSize, means MaxPayloadSize.
	MaxPayloadSize int
}

func (e *Encryptor) maxPayload() int {
	if e == nil || e.MaxPayloadSize <= 0 || e.MaxPayloadSize > MaxPayloadSize {
		return MaxPayloadSize
	}
	return e.MaxPayloadSize
}

// Encrypt encrypts payload for sub with the default limits and no extra
// padding.
func Encrypt(sub *Subscription, payload []byte) (*EncryptedMessage, error) {
	var e Encryptor
	return e.Encrypt(sub, payload, 0)
}

// Encrypt encrypts payload for sub using RFC 8291 message encryption. The
// plaintext is padded to at least padTo bytes. Every call uses a fresh salt
// and ephemeral key.
func (e *Encryptor) Encrypt(sub *Subscription, payload []byte, padTo int) (*EncryptedMessage, error) {
	limit := e.maxPayload()
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), limit)
	}

	uaPublic, authSecret, err := decodeKeys(sub)
	if err != nil {
		return nil, err
	}

	// New key for this message
	asPrivate, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	asPublic := asPrivate.PublicKey().Bytes()

	sharedSecret, err := asPrivate.ECDH(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: computing shared secret: %v", ErrInvalidSubscriberKey, err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	gcm, nonce, err := deriveCipher(sharedSecret, authSecret, uaPublic.Bytes(), asPublic, salt)
	if err != nil {
		return nil, err
	}

	padded := pad(payload, min(padTo, limit))
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	return &EncryptedMessage{
		Salt:       salt,
		RecordSize: uint32(len(ciphertext)),
		KeyID:      asPublic,
		Ciphertext: ciphertext,
	}, nil
}

// pad appends the last-record delimiter and zero padding up to padTo bytes
// of plaintext. Empty payloads get one zero byte so the record size stays at
// or above the RFC 8188 minimum.
func pad(payload []byte, padTo int) []byte {
	n := max(len(payload), padTo)
	if n+1+tagLen < minRecordSize {
		n = minRecordSize - 1 - tagLen
	}
	padded := make([]byte, n+1)
	copy(padded, payload)
	padded[len(payload)] = lastRecordDelimiter
	return padded
}

func decodeKeys(sub *Subscription) (*ecdh.PublicKey, []byte, error) {
	p256dh, err := b64Decode(sub.Keys.P256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding p256dh: %v", ErrInvalidSubscriberKey, err)
	}
	uaPublic, err := ecdh.P256().NewPublicKey(p256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing p256dh: %v", ErrInvalidSubscriberKey, err)
	}

	auth, err := b64Decode(sub.Keys.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding auth: %v", ErrInvalidSubscriberKey, err)
	}
	if len(auth) != authLen {
		return nil, nil, fmt.Errorf("%w: auth secret is %d bytes, want %d", ErrInvalidSubscriberKey, len(auth), authLen)
	}
	return uaPublic, auth, nil
}

// deriveCipher runs the RFC 8291 key schedule and returns the content
// cipher and nonce.
func deriveCipher(sharedSecret, authSecret, uaPublic, asPublic, salt []byte) (cipher.AEAD, []byte, error) {
	// IKM = HKDF(auth_secret, ecdh_secret, "WebPush: info" || 0x00 || ua_public || as_public, 32)
	ikm, err := hkdfExpand(32, sharedSecret, authSecret, slices.Concat(webPushInfo, uaPublic, asPublic))
	if err != nil {
		return nil, nil, fmt.Errorf("deriving IKM: %w", err)
	}

	cek, err := hkdfExpand(16, ikm, salt, cekInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving CEK: %w", err)
	}

	nonce, err := hkdfExpand(12, ikm, salt, nonceInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nonce, nil
}

func hkdfExpand(length int, secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Decrypt reverses Encrypt on the receiving side, using the subscriber's
// private key and auth secret. It accepts a single-record message only.
func Decrypt(body []byte, uaPrivate *ecdh.PrivateKey, authSecret []byte) ([]byte, error) {
	if len(body) < headerLen {
		return nil, fmt.Errorf("%w: body shorter than header", errDecryption)
	}
	salt := body[:saltLen]
	rs := binary.BigEndian.Uint32(body[saltLen : saltLen+4])
	idLen := int(body[saltLen+4])
	if idLen != keyIDLen || len(body) < saltLen+5+idLen {
		return nil, fmt.Errorf("%w: unexpected key id length %d", errDecryption, idLen)
	}
	keyID := body[saltLen+5 : saltLen+5+idLen]
	ciphertext := body[saltLen+5+idLen:]
	if rs < minRecordSize || uint32(len(ciphertext)) > rs {
		return nil, fmt.Errorf("%w: record size %d does not fit ciphertext of %d bytes", errDecryption, rs, len(ciphertext))
	}

	asPublic, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing sender key: %v", errDecryption, err)
	}
	sharedSecret, err := uaPrivate.ECDH(asPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: computing shared secret: %v", errDecryption, err)
	}

	gcm, nonce, err := deriveCipher(sharedSecret, authSecret, uaPrivate.PublicKey().Bytes(), keyID, salt)
	if err != nil {
		return nil, err
	}
	padded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDecryption, err)
	}

	// Strip trailing zero padding, then the delimiter.
	end := len(bytes.TrimRight(padded, "\x00"))
	if end == 0 || padded[end-1] != lastRecordDelimiter {
		return nil, fmt.Errorf("%w: missing last record delimiter", errDecryption)
	}
	return padded[:end-1], nil
}

// b64Decode accepts the standard and URL alphabets, with or without padding,
// since browsers and libraries disagree on subscription key encoding.
func b64Decode(s string) ([]byte, error) {
	enc := base64.RawStdEncoding
	if bytes.ContainsAny([]byte(s), "-_") {
		enc = base64.RawURLEncoding
	}
	return enc.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

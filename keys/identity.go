package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
)

// DefaultSubject is written into freshly generated identities when the
// Manager is not given a subject.
const DefaultSubject = "mailto:admin@example.com"

// Identity is the application server's VAPID identity. It is immutable once
// loaded and safe for concurrent use.
type Identity struct {
	Signer  Signer
	Subject string // mailto: or https: contact URI
}

// PublicKey returns the uncompressed P-256 public key.
func (id *Identity) PublicKey() []byte {
	return id.Signer.PublicKey()
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (id *Identity) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(id.Signer.PublicKey())
}

// KeyLoadError is returned when a persisted identity exists but cannot be
// used. It is fatal: the Manager never replaces a malformed identity with a
// new one, since that would orphan every subscription bound to the old key.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("loading VAPID identity from %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// record is the on-disk JSON layout of an identity.
type record struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Subject    string `json:"subject"`
}

// Manager loads the VAPID identity from disk, generating and persisting one
// on first use.
//
// Paths ending in ".pem" are read as an EC private key PEM block and take
// their subject from the Manager; any other path holds a JSON record with
// base64url public key, private key and subject.
type Manager struct {
	path    string
	subject string

	mu       sync.Mutex
	identity *Identity
}

// NewManager creates a Manager for the identity stored at path. subject is
// used for newly generated identities and for PEM files.
func NewManager(path, subject string) *Manager {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Manager{path: path, subject: subject}
}

// Identity returns the identity, loading or generating it on the first call.
// Later calls return the same value.
func (m *Manager) Identity(ctx context.Context) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	id, err := m.load()
	if errors.Is(err, fs.ErrNotExist) {
		id, err = m.generate(ctx)
	}
	if err != nil {
		return nil, err
	}
	m.identity = id
	return id, nil
}

func (m *Manager) load() (*Identity, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, &KeyLoadError{Path: m.path, Err: err}
	}

	if m.isPEM() {
		signer, err := NewFileSignerFromPEM(data)
		if err != nil {
			return nil, &KeyLoadError{Path: m.path, Err: err}
		}
		if err := ValidateSubject(m.subject); err != nil {
			return nil, err
		}
		return &Identity{Signer: signer, Subject: m.subject}, nil
	}

	id, err := decodeRecord(data)
	if err != nil {
		return nil, &KeyLoadError{Path: m.path, Err: err}
	}
	return id, nil
}

func decodeRecord(data []byte) (*Identity, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling identity: %w", err)
	}

	signer, err := NewFileSignerFromBase64(rec.PrivateKey)
	if err != nil {
		return nil, err
	}

	pub, err := base64.RawURLEncoding.DecodeString(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if !bytes.Equal(pub, signer.PublicKey()) {
		return nil, errors.New("public key does not match private key")
	}

	if err := ValidateSubject(rec.Subject); err != nil {
		return nil, err
	}
	return &Identity{Signer: signer, Subject: rec.Subject}, nil
}

func (m *Manager) generate(ctx context.Context) (*Identity, error) {
	if err := ValidateSubject(m.subject); err != nil {
		return nil, err
	}
	signer, err := GenerateFileSigner()
	if err != nil {
		return nil, err
	}

	var data []byte
	if m.isPEM() {
		data, err = signer.PEM()
	} else {
		data, err = json.MarshalIndent(record{
			PublicKey:  base64.RawURLEncoding.EncodeToString(signer.PublicKey()),
			PrivateKey: base64.RawURLEncoding.EncodeToString(signer.PrivateKeyBytes()),
			Subject:    m.subject,
		}, "", "  ")
	}
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := writeExclusive(dir, m.path, data); err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Infof("generated new VAPID identity at %s", m.path)
	return &Identity{Signer: signer, Subject: m.subject}, nil
}

// writeExclusive writes data to a temporary file in dir and links it into
// place. The link fails if path exists, so two processes racing on first
// start cannot each persist a different key, and a failed write never leaves
// a partial file at path.
func writeExclusive(dir, path string, data []byte) error {
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing identity file: %w", err)
	}
	if err := os.Link(f.Name(), path); err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	return nil
}

func (m *Manager) isPEM() bool {
	return strings.EqualFold(filepath.Ext(m.path), ".pem")
}

// ValidateSubject checks that subject is a mailto: or https: URI.
func ValidateSubject(subject string) error {
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https:") {
		return fmt.Errorf("subject must be a mailto: or https: URI, got %q", subject)
	}
	return nil
}

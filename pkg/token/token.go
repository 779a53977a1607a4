// Package token seals and opens start tokens. A start token seeds a new
// session with its agent, model and initial context; it is produced by a
// trusted frontend and handed to the relay on open.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxAge is the freshness window after which a token is rejected.
const MaxAge = 24 * time.Hour

var (
	// ErrExpired is returned for tokens older than MaxAge.
	ErrExpired = errors.New("start token expired")
	// ErrInvalid is returned for tokens that fail decoding or
	// authentication.
	ErrInvalid = errors.New("start token invalid")
)

// StartToken is the payload sealed into a token.
type StartToken struct {
	Agent       string         `json:"agent"`
	Model       string         `json:"model"`
	Kind        string         `json:"kind,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
	StartFunc   string         `json:"start_func,omitempty"`
	StartParams map[string]any `json:"start_params,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Sealer packs and unpacks start tokens with an AES-GCM key.
type Sealer struct {
	aead cipher.AEAD
	now  func() time.Time
}

// NewSealer builds a Sealer from a hex-encoded 16, 24 or 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building GCM: %w", err)
	}
	return &Sealer{aead: aead, now: time.Now}, nil
}

// Pack seals the token. IssuedAt is stamped if unset.
func (s *Sealer) Pack(t StartToken) (string, error) {
	if t.IssuedAt.IsZero() {
		t.IssuedAt = s.now()
	}
	plaintext, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding start token: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unpack opens a sealed token and checks its freshness window.
func (s *Sealer) Unpack(packed string) (StartToken, error) {
	var t StartToken

	raw, err := base64.RawURLEncoding.DecodeString(packed)
	if err != nil {
		return t, fmt.Errorf("%w: bad encoding", ErrInvalid)
	}
	if len(raw) < s.aead.NonceSize() {
		return t, fmt.Errorf("%w: too short", ErrInvalid)
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return t, fmt.Errorf("%w: authentication failed", ErrInvalid)
	}
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return t, fmt.Errorf("%w: bad payload", ErrInvalid)
	}

	age := s.now().Sub(t.IssuedAt)
	if age > MaxAge || age < -time.Minute {
		return t, ErrExpired
	}
	return t, nil
}

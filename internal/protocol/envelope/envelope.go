// Package envelope implements the symmetric transport envelope: a fresh
// random nonce plus an XChaCha20-Poly1305 ciphertext, serialized as a
// self-describing JSON blob. Decryption under a wrong secret fails closed
// with ErrDecryptFailed, which callers can tell apart from a parse error.
package envelope

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrMalformedEnvelope means the blob does not parse as an envelope.
	ErrMalformedEnvelope = errors.New("envelope: malformed")
	// ErrDecryptFailed means authentication failed: wrong secret or
	// tampered ciphertext. Never returns plaintext-shaped garbage.
	ErrDecryptFailed = errors.New("envelope: decryption failed")
	// ErrBadSecret means the secret has the wrong length.
	ErrBadSecret = errors.New("envelope: secret must be 32 bytes")
	// ErrNotUTF8 is returned by OpenText for non-text plaintext.
	ErrNotUTF8 = errors.New("envelope: plaintext is not valid UTF-8")
)

// Envelope is the {nonce, ciphertext} unit produced for transport and
// storage. The 24-byte XChaCha nonce is generated fresh per Seal.
type Envelope struct {
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Seal encrypts payload under secret with a fresh random nonce.
func Seal(secret, payload []byte) (Envelope, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	return Envelope{Nonce: nonce, Cipher: aead.Seal(nil, nonce, payload, nil)}, nil
}

// Open authenticates and decrypts env under secret.
func Open(secret []byte, env Envelope) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrMalformedEnvelope
	}
	pt, err := aead.Open(nil, env.Nonce, env.Cipher, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// Encode serializes env for transport or storage.
func Encode(env Envelope) string {
	b, _ := json.Marshal(env)
	return string(b)
}

// Decode parses a serialized envelope.
func Decode(blob []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return Envelope{}, ErrMalformedEnvelope
	}
	if len(env.Nonce) == 0 || len(env.Cipher) == 0 {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

// SealText UTF-8 encodes text and returns the serialized envelope.
func SealText(secret []byte, text string) (string, error) {
	env, err := Seal(secret, []byte(text))
	if err != nil {
		return "", err
	}
	return Encode(env), nil
}

// OpenText decodes, decrypts and UTF-8 validates a serialized envelope.
func OpenText(secret []byte, blob string) (string, error) {
	env, err := Decode([]byte(blob))
	if err != nil {
		return "", err
	}
	pt, err := Open(secret, env)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(pt) {
		return "", ErrNotUTF8
	}
	return string(pt), nil
}

// LooksSealed reports whether blob structurally resembles a serialized
// envelope. Guards decryption attempts against legacy plaintext rows.
func LooksSealed(blob string) bool {
	trimmed := bytes.TrimSpace([]byte(blob))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return bytes.Contains(trimmed, []byte(`"nonce"`)) &&
		bytes.Contains(trimmed, []byte(`"cipher"`))
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != chacha20poly1305.KeySize {
		return nil, ErrBadSecret
	}
	return chacha20poly1305.NewX(secret)
}

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"veilchat/internal/domain"
)

// SecretBytes is the size of a derived pair secret.
const SecretBytes = 32

var hkdfInfo = []byte("veilchat-pairwise-v1")

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// SharedSecret derives the symmetric conversation key from our private
// key and the counterpart's public key: HKDF-SHA256 over the raw X25519
// output. Both sides of a completed handshake derive the same value.
func SharedSecret(priv domain.X25519Private, pub domain.X25519Public) ([]byte, error) {
	dh, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return nil, err
	}
	out := make([]byte, SecretBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dh, nil, hkdfInfo), out); err != nil {
		return nil, err
	}
	Wipe(dh)
	return out, nil
}

// Fingerprint returns a short hex fingerprint of a public key, for
// display only. There is no verification ceremony built on it.
func Fingerprint(pub domain.X25519Public) string {
	sum := sha256.Sum256(pub.Slice())
	return hex.EncodeToString(sum[:10])
}

// Wipe best-effort zeroes a sensitive byte slice.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}

// Package keyring stores a client's per-contact key bundles on disk,
// sealed under a passphrase. Private halves never leave this file.
package keyring

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"veilchat/internal/domain"
)

const (
	bundlesFile   = "bundles.enc"
	formatVersion = 1
)

// ErrWrongPassphrase covers a bad passphrase and a corrupted file; the
// two are indistinguishable on open.
var ErrWrongPassphrase = errors.New("keyring: wrong passphrase or corrupted keyring")

// sealed is the on-disk JSON structure holding ciphertext and KDF
// parameters.
type sealed struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

type Keyring struct {
	dir        string
	passphrase string
	mu         sync.Mutex
}

func New(dir, passphrase string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keyring: create dir: %w", err)
	}
	return &Keyring{dir: dir, passphrase: passphrase}, nil
}

func (k *Keyring) SaveBundle(contact domain.UserID, b domain.KeyBundle) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.load()
	if err != nil {
		return err
	}
	m[contact] = b
	return k.store(m)
}

func (k *Keyring) LoadBundle(contact domain.UserID) (domain.KeyBundle, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.load()
	if err != nil {
		return domain.KeyBundle{}, false, err
	}
	b, ok := m[contact]
	return b, ok, nil
}

// load reads and opens the sealed bundle map; a missing file is an
// empty keyring.
func (k *Keyring) load() (map[domain.UserID]domain.KeyBundle, error) {
	raw, err := os.ReadFile(filepath.Join(k.dir, bundlesFile))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[domain.UserID]domain.KeyBundle), nil
	}
	if err != nil {
		return nil, err
	}

	var s sealed
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, ErrWrongPassphrase
	}
	if s.V > formatVersion {
		return nil, fmt.Errorf("keyring: unsupported format version %d", s.V)
	}
	key, err := scrypt.Key([]byte(k.passphrase), s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; salt-bound key guarantees uniqueness
	pt, err := aead.Open(nil, nonce[:], s.Cipher, s.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	m := make(map[domain.UserID]domain.KeyBundle)
	if err := json.Unmarshal(pt, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// store seals the bundle map under a fresh salt and writes it via a
// temp file then rename.
func (k *Keyring) store(m map[domain.UserID]domain.KeyBundle) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(k.passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	out, err := json.Marshal(sealed{
		V:      formatVersion,
		Salt:   salt[:],
		N:      N,
		R:      r,
		P:      p,
		Cipher: ct,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(k.dir, bundlesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

var _ domain.BundleStore = (*Keyring)(nil)

// Package blob stores already-encrypted media payloads on disk. Content
// arrives sealed by the sender; the store only enforces a size cap and
// an allow-listed declared kind, and hands back an opaque reference.
package blob

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"veilchat/internal/domain"
)

var (
	ErrTooLarge = errors.New("blob: payload exceeds maximum size")
	ErrBadKind  = errors.New("blob: kind not allow-listed")
	ErrNotFound = errors.New("blob: not found")
	errBadRef   = errors.New("blob: malformed reference")
)

type Store struct {
	dir      string
	maxBytes int64
}

func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Put streams r to disk under a random name and returns the reference.
// Text is not a blob kind; only binary media kinds are accepted.
func (s *Store) Put(kind domain.MessageKind, r io.Reader) (string, error) {
	switch kind {
	case domain.KindAudio, domain.KindImage, domain.KindVideo, domain.KindFile:
	default:
		return "", ErrBadKind
	}

	var rnd [12]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.enc", kind, hex.EncodeToString(rnd[:]))

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	// +1 so a payload exactly at the cap passes and one byte over trips it.
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(s.dir, name))
		return "", err
	}
	return name, nil
}

// Open returns a reader over a stored blob.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return nil, errBadRef
	}
	f, err := os.Open(filepath.Join(s.dir, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

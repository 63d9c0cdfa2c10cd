// Package store implements the relay's durable keyed store on bbolt:
// canonical user records and opaque message rows. Message bodies are
// ciphertext or blob references; the store never sees plaintext.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"veilchat/internal/domain"
)

var (
	usersBucket    = []byte("users")
	messagesBucket = []byte("messages")
)

type Bolt struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{usersBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error { return s.db.Close() }

// ---------- Users ----------

func (s *Bolt) SaveUser(_ context.Context, id domain.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put([]byte(id.ID), raw)
	})
}

func (s *Bolt) FindUser(_ context.Context, id domain.UserID) (domain.Identity, error) {
	var out domain.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(usersBucket).Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

// SetOnline flips the liveness flag; going offline also stamps LastSeen.
func (s *Bolt) SetOnline(_ context.Context, id domain.UserID, online bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		var u domain.Identity
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		u.Online = online
		if !online {
			u.LastSeen = time.Now().UTC()
		}
		nb, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), nb)
	})
}

// ---------- Messages ----------

// Message keys are "<pair>/<created-nanos>/<uuid>", so a cursor over the
// pair prefix yields one conversation oldest-first. The full key doubles
// as the message id, which makes UpdateMessage a direct Get/Put.
func messageKey(a, b domain.UserID, at time.Time) string {
	return fmt.Sprintf("%s/%020d/%s", pairKey(a, b), at.UnixNano(), uuid.NewString())
}

func pairKey(a, b domain.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func (s *Bolt) InsertMessage(_ context.Context, m domain.Message) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.ID = messageKey(m.SenderID, m.ReceiverID, m.CreatedAt)

	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Put([]byte(m.ID), raw)
	})
	if err != nil {
		return "", fmt.Errorf("store: insert message: %w", err)
	}
	return m.ID, nil
}

func (s *Bolt) FindMessage(_ context.Context, id string) (domain.Message, error) {
	var out domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(messagesBucket).Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

// QueryHistory returns up to limit messages between a and b, oldest
// first. limit <= 0 means no limit.
func (s *Bolt) QueryHistory(_ context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	prefix := []byte(pairKey(a, b) + "/")
	var out []domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m domain.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// UpdateMessage replaces only the stored body. Used by rotation
// re-encryption; messages are never deleted here.
func (s *Bolt) UpdateMessage(_ context.Context, id string, newBody string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		m.Body = newBody
		nb, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), nb)
	})
}

var (
	_ domain.UserStore    = (*Bolt)(nil)
	_ domain.MessageStore = (*Bolt)(nil)
)

// Package reencrypt rewraps a counterparty's stored text history under a
// freshly rotated secret. It is strictly best-effort: a message that
// fails the old secret is skipped and counted, never a batch abort, and
// a cancelled batch is a valid partial completion.
package reencrypt

import (
	"context"
	"errors"
	"fmt"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
	"veilchat/internal/protocol/envelope"
)

// ErrSnapshotIncomplete means the pre-rotation bundle cannot derive the
// old secret; the history is permanently unreadable and the batch is a
// no-op. The relay cannot help: it never held the key.
var ErrSnapshotIncomplete = errors.New("reencrypt: pre-rotation bundle incomplete")

// History is the slice of the message store the service needs.
type History interface {
	QueryHistory(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error)
	UpdateMessage(ctx context.Context, id string, newBody string) error
}

// Report counts the outcome of one batch.
type Report struct {
	ReEncrypted int
	Skipped     int
}

type Service struct {
	history History
}

func New(history History) *Service { return &Service{history: history} }

// Run re-encrypts the text history between self and contact: derive the
// old secret from the pre-rotation snapshot, decrypt each sealed text
// row, re-seal under newSecret and persist the replacement. Rows that
// are not sealed text, fail old-secret decryption, or fail persistence
// are skipped. Returns the partial report alongside ctx.Err() when
// cancelled mid-batch.
func (s *Service) Run(ctx context.Context, self, contact domain.UserID, snapshot domain.KeyBundle, newSecret []byte) (Report, error) {
	var rep Report

	if !snapshot.Complete() {
		return rep, ErrSnapshotIncomplete
	}
	oldSecret, err := crypto.SharedSecret(snapshot.MyPrivate, *snapshot.TheirPublic)
	if err != nil {
		return rep, fmt.Errorf("reencrypt: derive old secret: %w", err)
	}
	defer crypto.Wipe(oldSecret)

	msgs, err := s.history.QueryHistory(ctx, self, contact, 0)
	if err != nil {
		return rep, fmt.Errorf("reencrypt: fetch history: %w", err)
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if m.Kind != domain.KindText || !envelope.LooksSealed(m.Body) {
			rep.Skipped++
			continue
		}
		plaintext, err := envelope.OpenText(oldSecret, m.Body)
		if err != nil {
			rep.Skipped++
			continue
		}
		newBody, err := envelope.SealText(newSecret, plaintext)
		if err != nil {
			rep.Skipped++
			continue
		}
		if err := s.history.UpdateMessage(ctx, m.ID, newBody); err != nil {
			rep.Skipped++
			continue
		}
		rep.ReEncrypted++
	}
	return rep, nil
}

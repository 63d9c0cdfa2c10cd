package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// UserStore is the durable identity contract the relay depends on.
type UserStore interface {
	SaveUser(ctx context.Context, id Identity) error
	FindUser(ctx context.Context, id UserID) (Identity, error)
	SetOnline(ctx context.Context, id UserID, online bool) error
}

// MessageStore is the durable message contract. UpdateMessage replaces
// only the body; it exists for rotation re-encryption.
type MessageStore interface {
	InsertMessage(ctx context.Context, m Message) (string, error)
	FindMessage(ctx context.Context, id string) (Message, error)
	QueryHistory(ctx context.Context, a, b UserID, limit int) ([]Message, error)
	UpdateMessage(ctx context.Context, id string, newBody string) error
}

// BundleStore holds a client's per-counterparty key bundles.
type BundleStore interface {
	SaveBundle(contact UserID, b KeyBundle) error
	LoadBundle(contact UserID) (KeyBundle, bool, error)
}

// EventSender emits events toward the relay. Implemented by the live
// client connection and by in-memory fakes in tests.
type EventSender interface {
	Send(ctx context.Context, ev Event) error
}

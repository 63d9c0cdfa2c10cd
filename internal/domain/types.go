package domain

import "time"

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

func (k X25519Private) IsZero() bool { return k == X25519Private{} }

// UserID is the stable numeric-string identifier assigned at registration.
type UserID string

// Identity is the canonical user record held by the durable store.
// Liveness flags are relay-side state; they are mirrored here on
// connect/disconnect but the registry is authoritative while a user is live.
type Identity struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"displayName"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
	CreatedAt   time.Time `json:"createdAt"`
}

// KeyBundle is the client-held key material for one counterparty.
// TheirPublic stays nil until the handshake completes; a bundle with all
// three fields populated is the sole criterion for "keys established".
type KeyBundle struct {
	MyPrivate   X25519Private `json:"myPrivateKey"`
	MyPublic    X25519Public  `json:"myPublicKey"`
	TheirPublic *X25519Public `json:"theirPublicKey,omitempty"`
}

// Complete reports whether the bundle holds all three key fields.
func (b KeyBundle) Complete() bool {
	return !b.MyPrivate.IsZero() && !b.MyPublic.IsZero() &&
		b.TheirPublic != nil && !b.TheirPublic.IsZero()
}

// Clone returns a deep copy, used to snapshot a bundle before rotation
// overwrites it.
func (b KeyBundle) Clone() KeyBundle {
	out := b
	if b.TheirPublic != nil {
		pub := *b.TheirPublic
		out.TheirPublic = &pub
	}
	return out
}

// MessageKind tags a stored message payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// ValidKind reports whether k is one of the allow-listed message kinds.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindText, KindAudio, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// Message is a stored relay message. Body holds either a serialized
// envelope (text) or a blob reference (binary kinds); the relay never
// holds the keys to read either. SenderID is always the authenticated
// session identity, never a client-supplied value.
type Message struct {
	ID         string      `json:"id"`
	SenderID   UserID      `json:"senderId"`
	ReceiverID UserID      `json:"receiverId"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// CallPhase tracks one transient call attempt on the relay.
type CallPhase int

const (
	CallIdle CallPhase = iota
	CallRinging
	CallConnected
)

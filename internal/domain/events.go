package domain

import "encoding/json"

// EventType names a relay event. The relay routes events by type and
// target without reading the (already encrypted) payloads.
type EventType string

const (
	EvPresence     EventType = "presence_changed"
	EvKeyOffer     EventType = "key_offer"
	EvKeyResponse  EventType = "key_response"
	EvMessage      EventType = "message"
	EvTyping       EventType = "typing"
	EvCallOffer    EventType = "call_offer"
	EvCallAnswer   EventType = "call_answer"
	EvCallEnd      EventType = "call_end"
	EvIceCandidate EventType = "ice_candidate"
	EvError        EventType = "error"
)

// Event is the wire frame exchanged over a relay connection. From is
// stamped by the relay with the session's verified identity on every
// routed event; inbound frames claiming a different sender are rejected.
type Event struct {
	Type EventType       `json:"type"`
	From UserID          `json:"from,omitempty"`
	To   UserID          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event. Marshal errors are impossible
// for the payload types below, so they panic.
func NewEvent(t EventType, from, to UserID, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("domain: unmarshalable event payload: " + err.Error())
	}
	return Event{Type: t, From: from, To: to, Data: data}
}

// Unmarshal decodes the event payload into v.
func (e Event) Unmarshal(v any) error {
	return json.Unmarshal(e.Data, v)
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	UserID UserID `json:"userId"`
	Online bool   `json:"online"`
}

// KeyOfferPayload carries the initiator's fresh public key.
type KeyOfferPayload struct {
	PublicKey X25519Public `json:"publicKey"`
}

// KeyResponsePayload answers an offer. PublicKey is nil on rejection.
type KeyResponsePayload struct {
	PublicKey *X25519Public `json:"publicKey,omitempty"`
	Accepted  bool          `json:"accepted"`
}

// MessagePayload carries one chat message. Body is an opaque envelope
// for text, or a blob reference for binary kinds.
type MessagePayload struct {
	Kind MessageKind `json:"kind"`
	Body string      `json:"body"`
}

// TypingPayload signals a typing indicator change.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// CallPayload carries an opaque, pre-encrypted session description.
type CallPayload struct {
	Signal string `json:"signal"`
}

// CandidatePayload carries an opaque ICE candidate.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// Error codes surfaced to clients as EvError events.
const (
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeBadSender     = "sender_mismatch"
	ErrCodeBadEvent      = "malformed_event"
	ErrCodePersistFailed = "persist_failed"
)

// ErrorPayload is an explicit rejection signal; the connection stays up.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

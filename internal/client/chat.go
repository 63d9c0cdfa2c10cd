package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"veilchat/internal/domain"
	"veilchat/internal/protocol/envelope"
	"veilchat/internal/protocol/keyex"
	"veilchat/internal/secrets"
	"veilchat/internal/services/reencrypt"
)

// PlaceholderUndecryptable is shown in place of a message body that no
// held secret can open. The ciphertext itself is left untouched.
const PlaceholderUndecryptable = "⚠️ unable to decrypt"

// Chat drives one identity's conversations: key exchange, sealing and
// opening messages, and rotation re-encryption against the relay's
// history API.
type Chat struct {
	self   domain.UserID
	client *Client
	proto  *keyex.Protocol
	log    *slog.Logger
}

func NewChat(self domain.UserID, c *Client, bundles domain.BundleStore, log *slog.Logger) *Chat {
	return &Chat{
		self:   self,
		client: c,
		proto:  keyex.New(self, bundles, secrets.New(), c),
		log:    log,
	}
}

// Offer starts (or restarts) a key exchange with contact.
func (ch *Chat) Offer(ctx context.Context, contact domain.UserID) error {
	return ch.proto.Initiate(ctx, contact)
}

// Accept answers a held offer. On rotation the prior conversation is
// re-encrypted under the new secret, best effort.
func (ch *Chat) Accept(ctx context.Context, contact domain.UserID) error {
	res, err := ch.proto.Accept(ctx, contact)
	if err != nil {
		return err
	}
	if res.Rotation {
		ch.reencryptHistory(ctx, res)
	}
	return nil
}

// Reject declines a held offer.
func (ch *Chat) Reject(ctx context.Context, contact domain.UserID) error {
	return ch.proto.Reject(ctx, contact)
}

// SendText seals text for contact and emits it.
func (ch *Chat) SendText(ctx context.Context, to domain.UserID, text string) error {
	secret, err := ch.proto.Secret(to)
	if err != nil {
		return err
	}
	body, err := envelope.SealText(secret, text)
	if err != nil {
		return err
	}
	return ch.client.Send(ctx, domain.NewEvent(domain.EvMessage, ch.self, to, domain.MessagePayload{
		Kind: domain.KindText,
		Body: body,
	}))
}

// SendMedia seals r's content, uploads it as a blob, and sends the
// reference as a message of the given kind.
func (ch *Chat) SendMedia(ctx context.Context, to domain.UserID, kind domain.MessageKind, r io.Reader) error {
	secret, err := ch.proto.Secret(to)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	env, err := envelope.Seal(secret, raw)
	if err != nil {
		return err
	}
	ref, err := ch.client.UploadBlob(ctx, kind, strings.NewReader(envelope.Encode(env)))
	if err != nil {
		return err
	}
	return ch.client.Send(ctx, domain.NewEvent(domain.EvMessage, ch.self, to, domain.MessagePayload{
		Kind: kind,
		Body: ref,
	}))
}

// OpenMessage renders a stored message for display. Sealed text is
// opened with the counterparty secret; anything unreadable becomes the
// placeholder. Pre-handshake plaintext rows are shown as-is.
func (ch *Chat) OpenMessage(contact domain.UserID, m domain.Message) string {
	if m.Kind != domain.KindText {
		return fmt.Sprintf("[%s: %s]", m.Kind, m.Body)
	}
	if !envelope.LooksSealed(m.Body) {
		return m.Body
	}
	secret, err := ch.proto.Secret(contact)
	if err != nil {
		return PlaceholderUndecryptable
	}
	text, err := envelope.OpenText(secret, m.Body)
	if err != nil {
		return PlaceholderUndecryptable
	}
	return text
}

// HandleEvent reacts to one inbound relay event and returns a line for
// the terminal, or "" when there is nothing to show.
func (ch *Chat) HandleEvent(ctx context.Context, ev domain.Event) string {
	switch ev.Type {
	case domain.EvMessage:
		var p domain.MessagePayload
		if err := ev.Unmarshal(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("%s: %s", ev.From, ch.OpenMessage(ev.From, domain.Message{Kind: p.Kind, Body: p.Body}))

	case domain.EvKeyOffer:
		var p domain.KeyOfferPayload
		if err := ev.Unmarshal(&p); err != nil {
			return ""
		}
		ch.proto.HandleOffer(ev.From, p)
		return fmt.Sprintf("* key offer from %s (run 'accept %s' to establish keys)", ev.From, ev.From)

	case domain.EvKeyResponse:
		var p domain.KeyResponsePayload
		if err := ev.Unmarshal(&p); err != nil {
			return ""
		}
		res, err := ch.proto.HandleResponse(ev.From, p)
		if errors.Is(err, keyex.ErrOfferRejected) {
			return fmt.Sprintf("* %s declined the key offer", ev.From)
		}
		if err != nil {
			ch.log.Warn("key response failed", "from", ev.From, "err", err)
			return ""
		}
		if res.Rotation {
			ch.reencryptHistory(ctx, res)
		}
		return fmt.Sprintf("* keys established with %s", ev.From)

	case domain.EvPresence:
		var p domain.PresencePayload
		if err := ev.Unmarshal(&p); err != nil {
			return ""
		}
		if p.Online {
			return fmt.Sprintf("* %s is online", p.UserID)
		}
		return fmt.Sprintf("* %s went offline", p.UserID)

	case domain.EvTyping:
		var p domain.TypingPayload
		if err := ev.Unmarshal(&p); err != nil || !p.IsTyping {
			return ""
		}
		return fmt.Sprintf("* %s is typing...", ev.From)

	case domain.EvCallOffer:
		return fmt.Sprintf("* incoming call from %s", ev.From)
	case domain.EvCallAnswer:
		return fmt.Sprintf("* %s answered the call", ev.From)
	case domain.EvCallEnd:
		return fmt.Sprintf("* call with %s ended", ev.From)

	case domain.EvError:
		var p domain.ErrorPayload
		if err := ev.Unmarshal(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("! relay refused: %s (%s)", p.Code, p.Message)
	}
	return ""
}

// reencryptHistory rewrites stored ciphertext after a rotation. Best
// effort: failures skip rows, never abort the conversation.
func (ch *Chat) reencryptHistory(ctx context.Context, res keyex.Result) {
	svc := reencrypt.New(remoteHistory{self: ch.self, c: ch.client})
	rep, err := svc.Run(ctx, ch.self, res.Contact, res.Snapshot, res.Secret)
	if err != nil {
		ch.log.Warn("history re-encryption incomplete",
			"contact", res.Contact, "reencrypted", rep.ReEncrypted, "skipped", rep.Skipped, "err", err)
		return
	}
	ch.log.Info("history re-encrypted",
		"contact", res.Contact, "reencrypted", rep.ReEncrypted, "skipped", rep.Skipped)
}

// remoteHistory adapts the REST client to the re-encryption service's
// history contract. The relay derives the caller from the bearer token,
// so only the counterparty matters here.
type remoteHistory struct {
	self domain.UserID
	c    *Client
}

func (h remoteHistory) QueryHistory(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	with := b
	if with == h.self {
		with = a
	}
	return h.c.History(ctx, with, limit)
}

func (h remoteHistory) UpdateMessage(ctx context.Context, id string, newBody string) error {
	return h.c.UpdateMessage(ctx, id, newBody)
}

var _ reencrypt.History = remoteHistory{}

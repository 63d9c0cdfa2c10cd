// Package keyex drives the per-contact key-exchange handshake: fresh
// X25519 pair per exchange, offer/accept/reject over the relay, shared
// secret derivation, and rotation detection.
//
// The relay only ever carries public keys and accept/reject signals, so
// it can never recover a pair secret.
package keyex

import (
	"context"
	"errors"
	"sync"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
	"veilchat/internal/secrets"
)

// State of one (identity, counterparty) pair.
type State int

const (
	StateNoKeys State = iota
	StateOfferSent
	StateOfferReceived
	StateKeysEstablished
)

var (
	// ErrNoPendingOffer means Accept/Reject was called without an
	// inbound offer on hold.
	ErrNoPendingOffer = errors.New("keyex: no pending offer from contact")
	// ErrOfferRejected is the transient notice for a declined offer.
	ErrOfferRejected = errors.New("keyex: offer rejected by contact")
	// ErrNoBundle means a response arrived with no offer outstanding.
	ErrNoBundle = errors.New("keyex: no key bundle for contact")
	// ErrNoCounterpartKey means the handshake has not completed.
	ErrNoCounterpartKey = errors.New("keyex: counterpart public key not established")
)

// Result describes a completed exchange. Rotation is true iff the
// pre-update bundle already had all three fields; Snapshot then holds
// that bundle so the caller can re-encrypt history (the snapshot is
// taken before the overwrite, or the old secret is lost for good).
type Result struct {
	Contact  domain.UserID
	Secret   []byte
	Rotation bool
	Snapshot domain.KeyBundle
}

// Protocol runs the handshake for one local identity. Operations on the
// same counterparty are serialized per contact so two near-simultaneous
// rotations cannot interleave into a corrupted bundle.
type Protocol struct {
	self    domain.UserID
	bundles domain.BundleStore
	cache   *secrets.Cache
	sender  domain.EventSender

	mu      sync.Mutex
	pending map[domain.UserID]domain.X25519Public
	locks   map[domain.UserID]*sync.Mutex
}

func New(self domain.UserID, bundles domain.BundleStore, cache *secrets.Cache, sender domain.EventSender) *Protocol {
	return &Protocol{
		self:    self,
		bundles: bundles,
		cache:   cache,
		sender:  sender,
		pending: make(map[domain.UserID]domain.X25519Public),
		locks:   make(map[domain.UserID]*sync.Mutex),
	}
}

// State reports the handshake state for contact. A held inbound offer
// wins over an established bundle: a rotation offer re-enters
// OfferReceived until accepted or rejected.
func (p *Protocol) State(contact domain.UserID) (State, error) {
	p.mu.Lock()
	_, held := p.pending[contact]
	p.mu.Unlock()
	if held {
		return StateOfferReceived, nil
	}

	b, ok, err := p.bundles.LoadBundle(contact)
	if err != nil {
		return StateNoKeys, err
	}
	switch {
	case !ok:
		return StateNoKeys, nil
	case b.Complete():
		return StateKeysEstablished, nil
	default:
		return StateOfferSent, nil
	}
}

// Initiate generates a fresh pair, stores an incomplete bundle and emits
// an offer carrying the new public key. Re-running against an
// established contact begins a rotation.
func (p *Protocol) Initiate(ctx context.Context, contact domain.UserID) error {
	unlock := p.lockContact(contact)
	defer unlock()

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	if err := p.bundles.SaveBundle(contact, domain.KeyBundle{MyPrivate: priv, MyPublic: pub}); err != nil {
		return err
	}
	p.cache.Invalidate(contact)

	ev := domain.NewEvent(domain.EvKeyOffer, p.self, contact, domain.KeyOfferPayload{PublicKey: pub})
	return p.sender.Send(ctx, ev)
}

// HandleOffer holds an inbound offer for an explicit Accept or Reject.
// Nothing is mutated and no response is emitted here.
func (p *Protocol) HandleOffer(from domain.UserID, offer domain.KeyOfferPayload) {
	p.mu.Lock()
	p.pending[from] = offer.PublicKey
	p.mu.Unlock()
}

// Accept completes a held offer: generates our own fresh pair, persists
// the full bundle, announces our public key, invalidates any cached
// secret and derives the new one.
func (p *Protocol) Accept(ctx context.Context, contact domain.UserID) (Result, error) {
	unlock := p.lockContact(contact)
	defer unlock()

	p.mu.Lock()
	theirPub, held := p.pending[contact]
	p.mu.Unlock()
	if !held {
		return Result{}, ErrNoPendingOffer
	}

	old, hadBundle, err := p.bundles.LoadBundle(contact)
	if err != nil {
		return Result{}, err
	}
	rotation := hadBundle && old.Complete()

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return Result{}, err
	}
	next := domain.KeyBundle{MyPrivate: priv, MyPublic: pub, TheirPublic: &theirPub}
	if err := p.bundles.SaveBundle(contact, next); err != nil {
		return Result{}, err
	}
	p.cache.Invalidate(contact)

	secret, err := crypto.SharedSecret(priv, theirPub)
	if err != nil {
		return Result{}, err
	}
	p.cache.Put(contact, secret)

	resp := domain.KeyResponsePayload{PublicKey: &pub, Accepted: true}
	if err := p.sender.Send(ctx, domain.NewEvent(domain.EvKeyResponse, p.self, contact, resp)); err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	delete(p.pending, contact)
	p.mu.Unlock()

	res := Result{Contact: contact, Secret: secret, Rotation: rotation}
	if rotation {
		res.Snapshot = old.Clone()
	}
	return res, nil
}

// Reject declines a held offer. No bundle is mutated.
func (p *Protocol) Reject(ctx context.Context, contact domain.UserID) error {
	p.mu.Lock()
	_, held := p.pending[contact]
	p.mu.Unlock()
	if !held {
		return ErrNoPendingOffer
	}

	resp := domain.KeyResponsePayload{Accepted: false}
	if err := p.sender.Send(ctx, domain.NewEvent(domain.EvKeyResponse, p.self, contact, resp)); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.pending, contact)
	p.mu.Unlock()
	return nil
}

// HandleResponse merges an accept-response into the bundle saved by
// Initiate and derives the new secret. A rejection surfaces as
// ErrOfferRejected, leaving the incomplete bundle as-is.
func (p *Protocol) HandleResponse(from domain.UserID, resp domain.KeyResponsePayload) (Result, error) {
	if !resp.Accepted || resp.PublicKey == nil {
		return Result{}, ErrOfferRejected
	}

	unlock := p.lockContact(from)
	defer unlock()

	b, ok, err := p.bundles.LoadBundle(from)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrNoBundle
	}
	rotation := b.Complete()
	snapshot := b.Clone()

	theirPub := *resp.PublicKey
	b.TheirPublic = &theirPub
	if err := p.bundles.SaveBundle(from, b); err != nil {
		return Result{}, err
	}
	p.cache.Invalidate(from)

	secret, err := crypto.SharedSecret(b.MyPrivate, theirPub)
	if err != nil {
		return Result{}, err
	}
	p.cache.Put(from, secret)

	res := Result{Contact: from, Secret: secret, Rotation: rotation}
	if rotation {
		res.Snapshot = snapshot
	}
	return res, nil
}

// Secret returns the cached pair secret, deriving and caching it from
// the stored bundle on a miss.
func (p *Protocol) Secret(contact domain.UserID) ([]byte, error) {
	if s, ok := p.cache.Get(contact); ok {
		return s, nil
	}

	b, ok, err := p.bundles.LoadBundle(contact)
	if err != nil {
		return nil, err
	}
	if !ok || !b.Complete() {
		return nil, ErrNoCounterpartKey
	}
	s, err := crypto.SharedSecret(b.MyPrivate, *b.TheirPublic)
	if err != nil {
		return nil, err
	}
	p.cache.Put(contact, s)
	return s, nil
}

func (p *Protocol) lockContact(contact domain.UserID) func() {
	p.mu.Lock()
	l, ok := p.locks[contact]
	if !ok {
		l = &sync.Mutex{}
		p.locks[contact] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

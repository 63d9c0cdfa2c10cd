package client_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilchat/internal/blob"
	"veilchat/internal/client"
	"veilchat/internal/client/keyring"
	"veilchat/internal/domain"
	"veilchat/internal/identity"
	"veilchat/internal/logging"
	"veilchat/internal/relay"
	"veilchat/internal/store"

	"net/http/httptest"
)

type party struct {
	id   domain.UserID
	cl   *client.Client
	chat *client.Chat
}

// nextEvent drains the party's stream until an event of type t arrives,
// handing every event to the chat layer on the way.
func (p *party) nextEvent(t *testing.T, ctx context.Context, typ domain.EventType) (domain.Event, string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.cl.Events():
			require.True(t, ok, "event stream closed waiting for %s", typ)
			line := p.chat.HandleEvent(ctx, ev)
			if ev.Type == typ {
				return ev, line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func startRelay(t *testing.T) (*httptest.Server, *identity.Signer) {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"), 1<<20)
	require.NoError(t, err)

	signer, err := identity.NewSigner("e2e-key")
	require.NoError(t, err)

	srv := relay.New(relay.Options{
		Log:             logging.Discard(),
		Signer:          signer,
		Users:           db,
		Messages:        db,
		Blobs:           blobs,
		EventsPerSecond: 100,
		Burst:           100,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, signer
}

func join(t *testing.T, ctx context.Context, ts *httptest.Server, signer *identity.Signer, id domain.UserID, name string) *party {
	t.Helper()
	tok, err := signer.Mint(id, name, time.Hour)
	require.NoError(t, err)

	kr, err := keyring.New(filepath.Join(t.TempDir(), string(id)), "pw-"+string(id))
	require.NoError(t, err)

	cl := client.New(ts.URL, tok)
	require.NoError(t, cl.Connect(ctx))
	t.Cleanup(func() { cl.Close() })

	return &party{id: id, cl: cl, chat: client.NewChat(id, cl, kr, logging.Discard())}
}

func TestConnect_RejectedTokenSurfacesStatus(t *testing.T) {
	ts, _ := startRelay(t)

	cl := client.New(ts.URL, "not.a.token")
	err := cl.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestEndToEnd_ExchangeAndEncryptedChat(t *testing.T) {
	ctx := context.Background()
	ts, signer := startRelay(t)

	alice := join(t, ctx, ts, signer, "alice", "Alice")
	bob := join(t, ctx, ts, signer, "bob", "Bob")

	// Handshake: alice offers, bob accepts, alice folds in the response.
	require.NoError(t, alice.chat.Offer(ctx, bob.id))
	_, line := bob.nextEvent(t, ctx, domain.EvKeyOffer)
	require.Contains(t, line, "key offer from alice")

	require.NoError(t, bob.chat.Accept(ctx, alice.id))
	_, line = alice.nextEvent(t, ctx, domain.EvKeyResponse)
	require.Contains(t, line, "keys established")

	// A sealed message crosses the relay and decrypts on the far side.
	require.NoError(t, alice.chat.SendText(ctx, bob.id, "hello bob"))
	_, line = bob.nextEvent(t, ctx, domain.EvMessage)
	require.Equal(t, "alice: hello bob", line)

	// The relay only ever saw ciphertext.
	msgs, err := alice.cl.History(ctx, bob.id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotContains(t, msgs[0].Body, "hello bob")
	require.True(t, strings.HasPrefix(msgs[0].Body, "{"))
}

func TestEndToEnd_RejectedOffer(t *testing.T) {
	ctx := context.Background()
	ts, signer := startRelay(t)

	alice := join(t, ctx, ts, signer, "alice", "Alice")
	bob := join(t, ctx, ts, signer, "bob", "Bob")

	require.NoError(t, alice.chat.Offer(ctx, bob.id))
	bob.nextEvent(t, ctx, domain.EvKeyOffer)

	require.NoError(t, bob.chat.Reject(ctx, alice.id))
	_, line := alice.nextEvent(t, ctx, domain.EvKeyResponse)
	require.Contains(t, line, "declined")

	// No secret, so nothing can be sent.
	require.Error(t, alice.chat.SendText(ctx, bob.id, "should fail"))
}

func TestEndToEnd_RotationReEncryptsHistory(t *testing.T) {
	ctx := context.Background()
	ts, signer := startRelay(t)

	alice := join(t, ctx, ts, signer, "alice", "Alice")
	bob := join(t, ctx, ts, signer, "bob", "Bob")

	// First exchange and one sealed message.
	require.NoError(t, alice.chat.Offer(ctx, bob.id))
	bob.nextEvent(t, ctx, domain.EvKeyOffer)
	require.NoError(t, bob.chat.Accept(ctx, alice.id))
	alice.nextEvent(t, ctx, domain.EvKeyResponse)

	require.NoError(t, alice.chat.SendText(ctx, bob.id, "before rotation"))
	bob.nextEvent(t, ctx, domain.EvMessage)

	msgs, err := alice.cl.History(ctx, bob.id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	oldBody := msgs[0].Body

	// Bob initiates a fresh exchange. Alice's bundle is the complete
	// one, so accepting on her side rotates and rewrites history.
	require.NoError(t, bob.chat.Offer(ctx, alice.id))
	alice.nextEvent(t, ctx, domain.EvKeyOffer)
	require.NoError(t, alice.chat.Accept(ctx, bob.id))
	bob.nextEvent(t, ctx, domain.EvKeyResponse)

	msgs, err = alice.cl.History(ctx, bob.id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotEqual(t, oldBody, msgs[0].Body, "stored ciphertext should be rewritten")

	// Both sides still read the original plaintext under the new secret.
	require.Equal(t, "before rotation", alice.chat.OpenMessage(bob.id, msgs[0]))
	require.Equal(t, "before rotation", bob.chat.OpenMessage(alice.id, msgs[0]))

	// And new traffic flows under the rotated secret.
	require.NoError(t, bob.chat.SendText(ctx, alice.id, "after rotation"))
	_, line := alice.nextEvent(t, ctx, domain.EvMessage)
	require.Equal(t, "bob: after rotation", line)
}

func TestEndToEnd_MediaBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	ts, signer := startRelay(t)

	alice := join(t, ctx, ts, signer, "alice", "Alice")
	bob := join(t, ctx, ts, signer, "bob", "Bob")

	require.NoError(t, alice.chat.Offer(ctx, bob.id))
	bob.nextEvent(t, ctx, domain.EvKeyOffer)
	require.NoError(t, bob.chat.Accept(ctx, alice.id))
	alice.nextEvent(t, ctx, domain.EvKeyResponse)

	require.NoError(t, alice.chat.SendMedia(ctx, bob.id, domain.KindAudio, strings.NewReader("opus frames")))
	ev, _ := bob.nextEvent(t, ctx, domain.EvMessage)

	var p domain.MessagePayload
	require.NoError(t, ev.Unmarshal(&p))
	require.Equal(t, domain.KindAudio, p.Kind)

	// The body is only an opaque reference; the blob itself is sealed.
	raw, err := bob.cl.FetchBlob(ctx, p.Body)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "opus frames")
}

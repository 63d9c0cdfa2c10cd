package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"veilchat/internal/blob"
	"veilchat/internal/domain"
	"veilchat/internal/identity"
	"veilchat/internal/logging"
	"veilchat/internal/relay"
	"veilchat/internal/store"
)

type fixture struct {
	ts     *httptest.Server
	signer *identity.Signer
	db     *store.Bolt
}

func newFixture(t *testing.T, eventsPerSecond float64, burst int) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"), 1<<20)
	require.NoError(t, err)

	signer, err := identity.NewSigner("test-signing-key")
	require.NoError(t, err)

	srv := relay.New(relay.Options{
		Log:             logging.Discard(),
		Signer:          signer,
		Users:           db,
		Messages:        db,
		Blobs:           blobs,
		EventsPerSecond: eventsPerSecond,
		Burst:           burst,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, signer: signer, db: db}
}

func (f *fixture) token(t *testing.T, id domain.UserID, name string) string {
	t.Helper()
	tok, err := f.signer.Mint(id, name, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, id domain.UserID, name string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.ts.URL, "http", "ws", 1) + "/ws"
	hdr := http.Header{"Authorization": {"Bearer " + f.token(t, id, name)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev domain.Event
	err := conn.ReadJSON(&ev)
	require.Error(t, err, "unexpected event: %+v", ev)
}

func TestConnectRequiresValidToken(t *testing.T) {
	f := newFixture(t, 100, 100)
	url := strings.Replace(f.ts.URL, "http", "ws", 1) + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	hdr := http.Header{"Authorization": {"Bearer not.a.token"}}
	_, resp, err = websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// brokenUsers fails every lookup with a non-miss error.
type brokenUsers struct {
	domain.UserStore
}

func (brokenUsers) FindUser(context.Context, domain.UserID) (domain.Identity, error) {
	return domain.Identity{}, errors.New("disk on fire")
}

func TestConnectRefusedWhenUserLookupFails(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"), 1<<20)
	require.NoError(t, err)

	signer, err := identity.NewSigner("test-signing-key")
	require.NoError(t, err)

	srv := relay.New(relay.Options{
		Log:             logging.Discard(),
		Signer:          signer,
		Users:           brokenUsers{db},
		Messages:        db,
		Blobs:           blobs,
		EventsPerSecond: 100,
		Burst:           100,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	tok, err := signer.Mint("alice", "Alice", time.Hour)
	require.NoError(t, err)
	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	hdr := http.Header{"Authorization": {"Bearer " + tok}}

	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPresenceBroadcast(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")

	b := f.dial(t, "bob", "Bob")
	ev := readEvent(t, a)
	require.Equal(t, domain.EvPresence, ev.Type)
	var p domain.PresencePayload
	require.NoError(t, ev.Unmarshal(&p))
	require.Equal(t, domain.UserID("bob"), p.UserID)
	require.True(t, p.Online)

	// The subject never hears about itself.
	expectSilence(t, b)

	b.Close()
	ev = readEvent(t, a)
	require.Equal(t, domain.EvPresence, ev.Type)
	require.NoError(t, ev.Unmarshal(&p))
	require.Equal(t, domain.UserID("bob"), p.UserID)
	require.False(t, p.Online)
	expectSilence(t, a)
}

func TestMessageRoutedAndStamped(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	b := f.dial(t, "bob", "Bob")
	readEvent(t, a) // bob online

	// From deliberately omitted; the relay stamps it from the session.
	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvMessage, "", "bob", domain.MessagePayload{
		Kind: domain.KindText,
		Body: `{"nonce":"AA==","cipher":"AA=="}`,
	})))

	ev := readEvent(t, b)
	require.Equal(t, domain.EvMessage, ev.Type)
	require.Equal(t, domain.UserID("alice"), ev.From)
	var mp domain.MessagePayload
	require.NoError(t, ev.Unmarshal(&mp))
	require.Equal(t, domain.KindText, mp.Kind)
}

func TestSpoofedSenderRefused(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	b := f.dial(t, "bob", "Bob")
	readEvent(t, a)

	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvMessage, "bob", "bob", domain.MessagePayload{
		Kind: domain.KindText,
		Body: "x",
	})))

	ev := readEvent(t, a)
	require.Equal(t, domain.EvError, ev.Type)
	var ep domain.ErrorPayload
	require.NoError(t, ev.Unmarshal(&ep))
	require.Equal(t, domain.ErrCodeBadSender, ep.Code)

	expectSilence(t, b)
}

func TestOfflineRecipientPersistedNotDelivered(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvMessage, "", "carol", domain.MessagePayload{
		Kind: domain.KindText,
		Body: "sealed",
	})))

	// Drop is silent; the sender gets no error back.
	expectSilence(t, a)

	// The row still lands in durable history.
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/messages?with=carol", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "alice", "Alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []domain.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "sealed", msgs[0].Body)
}

func TestRateLimitSurfacedAsErrorEvent(t *testing.T) {
	f := newFixture(t, 1, 2)

	a := f.dial(t, "alice", "Alice")

	limited := false
	for i := 0; i < 6; i++ {
		require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvTyping, "", "bob", domain.TypingPayload{IsTyping: true})))
	}
	for i := 0; i < 6; i++ {
		a.SetReadDeadline(time.Now().Add(time.Second))
		var ev domain.Event
		if err := a.ReadJSON(&ev); err != nil {
			break
		}
		if ev.Type == domain.EvError {
			var ep domain.ErrorPayload
			require.NoError(t, ev.Unmarshal(&ep))
			require.Equal(t, domain.ErrCodeRateLimited, ep.Code)
			limited = true
			break
		}
	}
	require.True(t, limited, "expected a rate_limited error event")
}

func TestReconnectSupersedesWithoutOfflineBlip(t *testing.T) {
	f := newFixture(t, 100, 100)

	w := f.dial(t, "watcher", "W")

	first := f.dial(t, "x", "X")
	ev := readEvent(t, w)
	require.Equal(t, domain.EvPresence, ev.Type)

	second := f.dial(t, "x", "X")
	ev = readEvent(t, w)
	var p domain.PresencePayload
	require.NoError(t, ev.Unmarshal(&p))
	require.True(t, p.Online)

	// The superseded connection dies, but x is still online through the
	// fresh one, so no offline broadcast may follow.
	first.Close()
	expectSilence(t, w)

	second.Close()
	ev = readEvent(t, w)
	require.NoError(t, ev.Unmarshal(&p))
	require.Equal(t, domain.UserID("x"), p.UserID)
	require.False(t, p.Online)
}

// gaugeValue scrapes /metrics for the named gauge's current value.
func (f *fixture) gaugeValue(t *testing.T, name string) (float64, bool) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, name+" ") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(line, name+" "), 64)
		require.NoError(t, err)
		return v, true
	}
	return 0, false
}

func TestSessionGaugeBalancedAcrossSupersede(t *testing.T) {
	f := newFixture(t, 100, 100)

	first := f.dial(t, "x", "X")
	second := f.dial(t, "x", "X") // supersedes first
	_ = first

	require.Eventually(t, func() bool {
		v, ok := f.gaugeValue(t, "veilchat_sessions_active")
		return ok && v == 1
	}, 2*time.Second, 50*time.Millisecond, "one live session while superseded conn winds down")

	second.Close()
	require.Eventually(t, func() bool {
		v, ok := f.gaugeValue(t, "veilchat_sessions_active")
		return ok && v == 0
	}, 2*time.Second, 50*time.Millisecond, "gauge must return to zero after all sessions close")
}

func TestCallSignalsRelayedOpaquely(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	b := f.dial(t, "bob", "Bob")
	readEvent(t, a)

	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvCallOffer, "", "bob", domain.CallPayload{Signal: "sealed-sdp-offer"})))
	ev := readEvent(t, b)
	require.Equal(t, domain.EvCallOffer, ev.Type)
	require.Equal(t, domain.UserID("alice"), ev.From)

	require.NoError(t, b.WriteJSON(domain.NewEvent(domain.EvCallAnswer, "", "alice", domain.CallPayload{Signal: "sealed-sdp-answer"})))
	ev = readEvent(t, a)
	require.Equal(t, domain.EvCallAnswer, ev.Type)

	require.NoError(t, b.WriteJSON(domain.NewEvent(domain.EvIceCandidate, "", "alice", domain.CandidatePayload{Candidate: "sealed-candidate"})))
	ev = readEvent(t, a)
	require.Equal(t, domain.EvIceCandidate, ev.Type)
}

func TestCallEndsWhenPartyDisconnects(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	b := f.dial(t, "bob", "Bob")
	readEvent(t, a)

	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvCallOffer, "", "bob", domain.CallPayload{Signal: "o"})))
	readEvent(t, b)
	require.NoError(t, b.WriteJSON(domain.NewEvent(domain.EvCallAnswer, "", "alice", domain.CallPayload{Signal: "a"})))
	readEvent(t, a)

	a.Close()
	// bob gets the synthetic hang-up, then alice's offline presence.
	sawEnd, sawOffline := false, false
	for i := 0; i < 2; i++ {
		ev := readEvent(t, b)
		switch ev.Type {
		case domain.EvCallEnd:
			sawEnd = true
		case domain.EvPresence:
			sawOffline = true
		}
	}
	require.True(t, sawEnd)
	require.True(t, sawOffline)
}

func TestUpdateMessageParticipantOnly(t *testing.T) {
	f := newFixture(t, 100, 100)

	a := f.dial(t, "alice", "Alice")
	require.NoError(t, a.WriteJSON(domain.NewEvent(domain.EvMessage, "", "bob", domain.MessagePayload{
		Kind: domain.KindText,
		Body: "old",
	})))

	var msgs []domain.Message
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/messages?with=bob", nil)
		req.Header.Set("Authorization", "Bearer "+f.token(t, "alice", "Alice"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		msgs = nil
		return json.NewDecoder(resp.Body).Decode(&msgs) == nil && len(msgs) == 1
	}, 2*time.Second, 50*time.Millisecond)

	put := func(token string) int {
		raw, err := json.Marshal(map[string]string{"id": msgs[0].ID, "body": "new"})
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodPut, f.ts.URL+"/api/messages", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusForbidden, put(f.token(t, "mallory", "M")))
	require.Equal(t, http.StatusNoContent, put(f.token(t, "alice", "Alice")))
}

func TestBlobUploadAndFetch(t *testing.T) {
	f := newFixture(t, 100, 100)
	payload := []byte(`{"nonce":"...","cipher":"..."}`)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/blobs?kind=audio", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "alice", "Alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Ref string `json:"ref"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Ref)

	got, err := http.Get(f.ts.URL + "/blobs/" + out.Ref)
	require.NoError(t, err)
	defer got.Body.Close()
	raw, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, payload, raw)

	// Text is not a blob kind.
	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/api/blobs?kind=text", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "alice", "Alice"))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestUserLookupReflectsLivePresence(t *testing.T) {
	f := newFixture(t, 100, 100)

	conn := f.dial(t, "alice", "Alice")

	var u domain.Identity
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.ts.URL + "/api/users/alice")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&u) == nil && u.Online
	}, 2*time.Second, 50*time.Millisecond)
	require.Equal(t, "Alice", u.DisplayName)

	conn.Close()
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.ts.URL + "/api/users/alice")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&u) == nil && !u.Online
	}, 2*time.Second, 50*time.Millisecond)

	resp, err := http.Get(f.ts.URL + "/api/users/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

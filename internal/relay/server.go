// Package relay implements the zero-knowledge event relay: it verifies
// identity tokens, pins one live session per identity, and forwards
// opaque events between sessions. Message bodies and call signals pass
// through unread; the relay only ever inspects routing fields.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"veilchat/internal/blob"
	"veilchat/internal/domain"
	"veilchat/internal/identity"
)

// Options collects the server's collaborators.
type Options struct {
	Log      *slog.Logger
	Signer   *identity.Signer
	Users    domain.UserStore
	Messages domain.MessageStore
	Blobs    *blob.Store

	EventsPerSecond float64
	Burst           int
}

type Server struct {
	log      *slog.Logger
	signer   *identity.Signer
	users    domain.UserStore
	messages domain.MessageStore
	blobs    *blob.Store

	hub      *hub
	limits   *limiterPool
	calls    *callTable
	metrics  *metrics
	registry *prometheus.Registry
}

func New(opts Options) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		log:      opts.Log,
		signer:   opts.Signer,
		users:    opts.Users,
		messages: opts.Messages,
		blobs:    opts.Blobs,
		hub:      newHub(),
		limits:   newLimiterPool(opts.EventsPerSecond, opts.Burst),
		calls:    newCallTable(),
		metrics:  newMetrics(reg),
		registry: reg,
	}
}

// Run serves the relay on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// attach installs a freshly upgraded session: supersedes any prior
// session for the identity, flips presence, and starts the pumps. The
// read pump runs on the calling goroutine.
func (s *Server) attach(sess *session) {
	if prev := s.hub.register(sess); prev != nil {
		prev.close()
		s.log.Info("session superseded", "user", sess.id)
	}
	s.metrics.connections.Inc()

	go sess.writePump()

	if err := s.users.SetOnline(context.Background(), sess.id, true); err != nil {
		s.log.Warn("set online failed", "user", sess.id, "err", err)
	}
	s.hub.broadcast(sess.id, domain.NewEvent(domain.EvPresence, sess.id, "", domain.PresencePayload{
		UserID: sess.id,
		Online: true,
	}))

	sess.readPump(s.handleEvent, s.detach)
}

// detach tears a session down. Safe to call more than once, and a
// no-op for presence when the session was already superseded. The
// gauge decrements for every attached session, superseded or not, so
// it mirrors attach's unconditional increment.
func (s *Server) detach(sess *session) {
	sess.close()
	s.metrics.connections.Dec()
	if !s.hub.unregister(sess) {
		return
	}
	s.limits.forget(sess.id)

	for _, peer := range s.calls.dropParty(sess.id) {
		if target, ok := s.hub.get(peer); ok {
			target.queue(domain.NewEvent(domain.EvCallEnd, sess.id, peer, domain.CallPayload{}))
		}
	}

	if err := s.users.SetOnline(context.Background(), sess.id, false); err != nil {
		s.log.Warn("set offline failed", "user", sess.id, "err", err)
	}
	s.hub.broadcast(sess.id, domain.NewEvent(domain.EvPresence, sess.id, "", domain.PresencePayload{
		UserID: sess.id,
		Online: false,
	}))
	s.log.Info("session closed", "user", sess.id)
}

func (s *Server) handleEvent(sess *session, ev domain.Event) {
	if ev.From != "" && ev.From != sess.id {
		s.metrics.rejectedEvents.Inc()
		s.refuse(sess, domain.ErrCodeBadSender, "event sender does not match session identity")
		return
	}
	ev.From = sess.id

	if !s.limits.allow(sess.id, ev.Type) {
		s.metrics.rateLimited.Inc()
		s.refuse(sess, domain.ErrCodeRateLimited, "slow down")
		return
	}

	switch ev.Type {
	case domain.EvMessage:
		s.handleMessage(sess, ev)
	case domain.EvTyping, domain.EvKeyOffer, domain.EvKeyResponse, domain.EvIceCandidate:
		s.route(sess, ev)
	case domain.EvCallOffer:
		s.calls.ring(sess.id, ev.To)
		s.route(sess, ev)
	case domain.EvCallAnswer:
		s.calls.connect(sess.id, ev.To)
		s.route(sess, ev)
	case domain.EvCallEnd:
		s.calls.end(sess.id, ev.To)
		s.route(sess, ev)
	default:
		s.metrics.rejectedEvents.Inc()
		s.refuse(sess, domain.ErrCodeBadEvent, "unknown event type")
	}
}

// handleMessage persists the opaque body, then forwards. Persistence
// failure is reported to the sender but never blocks delivery.
func (s *Server) handleMessage(sess *session, ev domain.Event) {
	var p domain.MessagePayload
	if err := ev.Unmarshal(&p); err != nil || !domain.ValidKind(p.Kind) || ev.To == "" {
		s.metrics.rejectedEvents.Inc()
		s.refuse(sess, domain.ErrCodeBadEvent, "malformed message payload")
		return
	}

	_, err := s.messages.InsertMessage(context.Background(), domain.Message{
		SenderID:   sess.id,
		ReceiverID: ev.To,
		Kind:       p.Kind,
		Body:       p.Body,
	})
	if err != nil {
		s.log.Error("persist message failed", "from", sess.id, "to", ev.To, "err", err)
		s.refuse(sess, domain.ErrCodePersistFailed, "message not stored")
	}

	s.route(sess, ev)
}

// route forwards ev to its addressee if connected; events to offline
// identities are dropped without telling the sender.
func (s *Server) route(sess *session, ev domain.Event) {
	if ev.To == "" {
		s.metrics.rejectedEvents.Inc()
		s.refuse(sess, domain.ErrCodeBadEvent, "missing addressee")
		return
	}
	target, ok := s.hub.get(ev.To)
	if !ok {
		s.metrics.droppedOffline.Inc()
		return
	}
	if target.queue(ev) {
		s.metrics.eventsRouted.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (s *Server) refuse(sess *session, code, msg string) {
	sess.queue(domain.NewEvent(domain.EvError, "", sess.id, domain.ErrorPayload{
		Code:    code,
		Message: msg,
	}))
}

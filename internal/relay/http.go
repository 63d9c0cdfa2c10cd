package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veilchat/internal/blob"
	"veilchat/internal/domain"
	"veilchat/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origin checks add nothing here: every connection must
	// present a signed token anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Router builds the full HTTP surface: the websocket endpoint, the
// small REST API, blob transfer and operational endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.handleUpdateMessage).Methods(http.MethodPut)
	r.HandleFunc("/api/blobs", s.handleBlobUpload).Methods(http.MethodPost)
	r.HandleFunc("/blobs/{ref}", s.handleBlobGet).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	return r
}

// bearerClaims verifies the request's token. The token rides in the
// Authorization header, or in ?token= for websocket dials from clients
// that cannot set headers.
func (s *Server) bearerClaims(r *http.Request) (identity.Claims, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" || tok == r.Header.Get("Authorization") {
		tok = r.URL.Query().Get("token")
	}
	return s.signer.Verify(tok)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.bearerClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// First connection for a brand-new identity creates its record so
	// presence and last-seen have somewhere to land.
	ctx := r.Context()
	switch _, err := s.users.FindUser(ctx, claims.UserID); {
	case errors.Is(err, domain.ErrNotFound):
		err = s.users.SaveUser(ctx, domain.Identity{
			ID:          claims.UserID,
			DisplayName: claims.DisplayName,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			s.log.Error("create user failed", "user", claims.UserID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	case err != nil:
		s.log.Error("find user failed", "user", claims.UserID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s.log.Info("session opened", "user", claims.UserID)
	s.attach(newSession(claims.UserID, claims.DisplayName, conn))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := domain.UserID(mux.Vars(r)["id"])
	u, err := s.users.FindUser(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("find user failed", "user", id, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Live presence beats the stored flag.
	u.Online = s.hub.online(id)
	writeJSON(w, http.StatusOK, u)
}

// handleHistory returns the caller's conversation with ?with=<id>,
// oldest first. Only a participant ever sees a conversation, and only
// as ciphertext.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, err := s.bearerClaims(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	other := domain.UserID(r.URL.Query().Get("with"))
	if other == "" {
		jsonError(w, http.StatusBadRequest, "missing 'with' parameter")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, "bad 'limit' parameter")
			return
		}
	}

	msgs, err := s.messages.QueryHistory(r.Context(), claims.UserID, other, limit)
	if err != nil {
		s.log.Error("query history failed", "user", claims.UserID, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleUpdateMessage swaps a stored body for its re-encrypted form.
// Only a participant in the message may touch it. The id rides in the
// request body because message ids contain path separators.
func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	claims, err := s.bearerClaims(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.Body == "" {
		jsonError(w, http.StatusBadRequest, "bad request body")
		return
	}

	m, err := s.messages.FindMessage(r.Context(), body.ID)
	if errors.Is(err, domain.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.log.Error("find message failed", "id", body.ID, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if claims.UserID != m.SenderID && claims.UserID != m.ReceiverID {
		jsonError(w, http.StatusForbidden, "not a participant")
		return
	}

	if err := s.messages.UpdateMessage(r.Context(), body.ID, body.Body); err != nil {
		s.log.Error("update message failed", "id", body.ID, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	claims, err := s.bearerClaims(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	kind := domain.MessageKind(r.URL.Query().Get("kind"))

	ref, err := s.blobs.Put(kind, r.Body)
	switch {
	case errors.Is(err, blob.ErrBadKind):
		jsonError(w, http.StatusBadRequest, "unsupported blob kind")
		return
	case errors.Is(err, blob.ErrTooLarge):
		jsonError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	case err != nil:
		s.log.Error("blob upload failed", "user", claims.UserID, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

// handleBlobGet serves stored ciphertext. No auth: references are
// unguessable and the content is sealed end to end.
func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	f, err := s.blobs.Open(mux.Vars(r)["ref"])
	if err != nil {
		jsonError(w, http.StatusNotFound, "blob not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

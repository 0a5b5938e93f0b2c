package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/observability"
)

const writeWait = 5 * time.Second

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected customer or driver client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.NegotiationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func sessionKey(p models.Party, id string) string { return string(p) + ":" + id }

// WSRegistry relays negotiation events to every live session of the two
// parties on a request. A party may be connected from several devices.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

func (r *WSRegistry) Add(p models.Party, id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	key := sessionKey(p, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[key]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[key] = set
	}
	set[s] = struct{}{}
	observability.WSSessions.Inc()
	return s
}

// Remove drops s and closes its connection. Removing twice is a no-op.
func (r *WSRegistry) Remove(p models.Party, id string, s *WSSession) {
	key := sessionKey(p, id)
	r.mu.Lock()
	set := r.sessions[key]
	_, ok := set[s]
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.sessions, key)
		}
		observability.WSSessions.Dec()
	}
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

// Send delivers ev to all sessions of one party.
func (r *WSRegistry) Send(p models.Party, id string, ev models.NegotiationEvent) error {
	key := sessionKey(p, id)
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[key]))
	for s := range r.sessions[key] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}

	var errs []error
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			r.logger.Warn("ws send error", "party", p, "id", id, "error", err)
			r.Remove(p, id, s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notify forwards ev to the customer and the driver of the request.
func (r *WSRegistry) Notify(_ context.Context, ev models.NegotiationEvent) {
	for _, p := range []models.Party{models.PartyCustomer, models.PartyDriver} {
		err := r.Send(p, ev.Request.PartyID(p), ev)
		if err != nil && !errors.Is(err, ErrNoSession) {
			r.logger.Debug("event not delivered", "request_id", ev.Request.ID, "party", p, "error", err)
		}
	}
}

// Count returns the number of live sessions for one party.
func (r *WSRegistry) Count(p models.Party, id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionKey(p, id)])
}

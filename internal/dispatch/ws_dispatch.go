package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is a connected driver app. Writes are serialized per socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(notice models.OfferNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(notice)
}

// WSRegistry holds driver websocket sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

// Drop removes the driver's session when it is still backed by conn. A
// session replaced by a reconnect is left alone.
func (r *WSRegistry) Drop(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Offer pushes an offer notice to the driver's session, if connected. A
// session whose write fails is evicted and the error reports no session, so
// callers with a fallback path can take it.
func (r *WSRegistry) Offer(driverID string, notice models.OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(notice); err != nil {
		r.Drop(driverID, s.conn)
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return nil
}

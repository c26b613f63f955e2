package dispatch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var testUpgrader = websocket.Upgrader{}

// registerConn upgrades one connection server-side, registers it for the
// driver and hands back the server half so tests can kill it.
func registerConn(t *testing.T, reg *WSRegistry, driverID string) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(driverID, conn)
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("session never registered")
		return nil
	}
}

func TestOfferDeliversToLiveSession(t *testing.T) {
	reg := NewWSRegistry()
	registerConn(t, reg, "d1")
	if err := reg.Offer("d1", models.OfferNotice{AssignmentID: "a1", RideID: "r1"}); err != nil {
		t.Fatalf("offer to live session: %v", err)
	}
}

func TestOfferEvictsDeadSession(t *testing.T) {
	reg := NewWSRegistry()
	conn := registerConn(t, reg, "d1")
	_ = conn.Close()

	notice := models.OfferNotice{AssignmentID: "a1", RideID: "r1"}
	if err := reg.Offer("d1", notice); !errors.Is(err, ErrNoSession) {
		t.Fatalf("dead write should report no session, got %v", err)
	}
	// the dead session is gone, not retried
	if err := reg.Offer("d1", notice); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPushFallsBackWhenSessionDies(t *testing.T) {
	reg := NewWSRegistry()
	conn := registerConn(t, reg, "d1")
	_ = conn.Close()

	var posts int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	p := NewPushDispatcher(endpoint.URL, reg)
	if err := p.Offer("d1", models.OfferNotice{AssignmentID: "a1"}); err != nil {
		t.Fatalf("expected fallback delivery, got %v", err)
	}
	if atomic.LoadInt32(&posts) != 1 {
		t.Fatalf("expected 1 fallback post, got %d", posts)
	}
}

func TestDropIgnoresReplacedSession(t *testing.T) {
	reg := NewWSRegistry()
	old := registerConn(t, reg, "d1")
	registerConn(t, reg, "d1")

	// dropping the stale handle must not take out the reconnect
	reg.Drop("d1", old)
	if err := reg.Offer("d1", models.OfferNotice{AssignmentID: "a1"}); err != nil {
		t.Fatalf("reconnected session should survive, got %v", err)
	}
}

package dispatch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/companion-matching/internal/models"
)

func newWSServer(t *testing.T, reg *WSRegistry, travelerID string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add(travelerID, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAddReplacesAndClosesOldConn(t *testing.T) {
	reg := NewWSRegistry()
	srv := newWSServer(t, reg, "t1")

	first := dial(t, srv)
	deadline := time.Now().Add(2 * time.Second)
	for reg.PushMatches("t1", nil) != nil {
		if time.Now().After(deadline) {
			t.Fatal("first connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := dial(t, srv)

	// the replaced connection gets closed by the registry; drain any
	// frame pushed before the replacement landed
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// pushes land on the replacement; registration may still be settling
	deadline = time.Now().Add(2 * time.Second)
	for {
		err := reg.PushMatches("t1", []models.Candidate{{TravelerID: "t2"}})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoSession) || time.Now().After(deadline) {
			t.Fatalf("push: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var update MatchUpdate
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := second.ReadJSON(&update); err != nil {
		t.Fatalf("read: %v", err)
	}
	if update.Kind != "matches" || update.TravelerID != "t1" || len(update.Matches) != 1 {
		t.Fatalf("unexpected frame: %+v", update)
	}
}

func TestDisconnectedClientIsForgotten(t *testing.T) {
	reg := NewWSRegistry()
	srv := newWSServer(t, reg, "t1")

	conn := dial(t, srv)

	// wait until the connection is registered
	deadline := time.Now().Add(2 * time.Second)
	for reg.PushMatches("t1", nil) != nil {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	// the read pump notices the disconnect and drops the session
	deadline = time.Now().Add(2 * time.Second)
	for !errors.Is(reg.PushMatches("t1", nil), ErrNoSession) {
		if time.Now().After(deadline) {
			t.Fatal("disconnected session never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushLocationAlert(t *testing.T) {
	reg := NewWSRegistry()
	if err := reg.PushLocationAlert("ghost", "timeout"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	srv := newWSServer(t, reg, "t1")
	conn := dial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := reg.PushLocationAlert("t1", "permission_denied")
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoSession) || time.Now().After(deadline) {
			t.Fatalf("push: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var alert LocationAlert
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&alert); err != nil {
		t.Fatalf("read: %v", err)
	}
	if alert.Kind != "location_alert" || alert.Reason != "permission_denied" {
		t.Fatalf("unexpected frame: %+v", alert)
	}
}

package dispatch

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/companion-matching/internal/models"
)

// MatchUpdate is the frame pushed to a connected client whenever their
// session recomputes.
type MatchUpdate struct {
	Kind       string             `json:"kind"`
	TravelerID string             `json:"traveler_id"`
	Matches    []models.Candidate `json:"matches"`
}

// LocationAlert tells a connected client their position feed is broken
// and why, so the app can prompt for permissions or show a banner.
type LocationAlert struct {
	Kind       string `json:"kind"`
	TravelerID string `json:"traveler_id"`
	Reason     string `json:"reason"`
}

// WSSession represents one connected client
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(frame)
}

// WSRegistry holds client connections keyed by traveler id
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for travelerID. A reconnect replaces the previous
// connection, which is closed so its read pump winds down.
func (r *WSRegistry) Add(travelerID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[travelerID]
	r.sessions[travelerID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	go r.readPump(travelerID, s)
}

// readPump drains inbound frames so close and error frames are noticed.
// Clients only listen on this socket; anything they send is discarded.
func (r *WSRegistry) readPump(travelerID string, s *WSSession) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
	r.mu.Lock()
	if r.sessions[travelerID] == s {
		delete(r.sessions, travelerID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) Remove(travelerID string) {
	r.mu.Lock()
	s, ok := r.sessions[travelerID]
	delete(r.sessions, travelerID)
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

// PushMatches sends the latest match list to the traveler's connection,
// if any. Best effort: a missing or broken connection is not fatal to
// the session.
func (r *WSRegistry) PushMatches(travelerID string, matches []models.Candidate) error {
	r.mu.RLock()
	s, ok := r.sessions[travelerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(MatchUpdate{Kind: "matches", TravelerID: travelerID, Matches: matches}); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

// PushLocationAlert notifies the traveler's connection that their
// position source failed.
func (r *WSRegistry) PushLocationAlert(travelerID, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[travelerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(LocationAlert{Kind: "location_alert", TravelerID: travelerID, Reason: reason}); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

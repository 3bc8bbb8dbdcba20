/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"sync"
)

// sessionRegistry owns every active session plus the player → session
// index. All session creation and teardown goes through it, so a player
// can never be indexed without their session existing, or vice versa.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	byPlayer map[int64]string

	store gameStore
	cfg   *Config
}

func newSessionRegistry(cfg *Config, store gameStore) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*session),
		byPlayer: make(map[int64]string),
		store:    store,
		cfg:      cfg,
	}
}

// newSessionID generates a crypto-random session ID and ensures it
// doesn't collide with a live session.
func (r *sessionRegistry) newSessionID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		r.mu.Lock()
		_, exists := r.sessions[id]
		r.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// create builds a session for the two paired players, indexes both
// atomically, and kicks off the pre-round countdown.
func (r *sessionRegistry) create(p1, p2 queueEntry) *session {
	s := newSession(r.newSessionID(), p1, p2, r)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.byPlayer[p1.userID] = s.id
	r.byPlayer[p2.userID] = s.id
	r.mu.Unlock()

	logf(r.cfg, "GAMES: Matched %q and %q in session %s", p1.username, p2.username, s.id)

	s.begin()

	return s
}

// lookup returns the session with the given ID, or nil.
func (r *sessionRegistry) lookup(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions[id]
}

// sessionFor returns the session the player currently belongs to, or nil.
func (r *sessionRegistry) sessionFor(userID int64) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPlayer[userID]
	if !ok {
		return nil
	}

	return r.sessions[id]
}

func (r *sessionRegistry) inSession(userID int64) bool {
	return r.sessionFor(userID) != nil
}

// destroy removes the session and both player index entries. Safe to
// call more than once.
func (r *sessionRegistry) destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}

	delete(r.sessions, id)
	for _, slot := range s.slots {
		if r.byPlayer[slot.id] == id {
			delete(r.byPlayer, slot.id)
		}
	}

	logf(r.cfg, "GAMES: Session %s cleaned up", id)
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

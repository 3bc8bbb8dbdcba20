/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"math/rand"
	"sync"
	"time"
)

type sessionState int

const (
	stateStarting sessionState = iota
	stateRoundActive
	stateRoundEnded
	stateGameEnded
)

func (s sessionState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRoundActive:
		return "round_active"
	case stateRoundEnded:
		return "round_ended"
	case stateGameEnded:
		return "game_ended"
	}

	return "unknown"
}

// conn is the send half of a player's transport channel. enqueue must
// never block; it returns false once the channel is gone.
type conn interface {
	enqueue(msg any) bool
	alive() bool
}

// playerSlot is one side of a session. rating is the rating the player
// entered the match with; the post-match rating comes from the store.
type playerSlot struct {
	id       int64
	username string
	rating   int
	score    int
	conn     conn
}

// session is one two-player match from creation to cleanup. Every
// mutation happens under mu, so operations for a given session execute
// as if serialized; timer callbacks re-check state under the same lock
// before acting, which makes a stale timer a silent no-op.
type session struct {
	id string

	mu          sync.Mutex
	slots       [2]playerSlot
	round       int
	totalRounds int
	targetNote  string
	state       sessionState
	winnerID    *int64

	// At most one of deadline/pending is armed at a time: deadline while
	// a round is active, pending between rounds (or before the first).
	deadline *time.Timer
	pending  *time.Timer
	cleanup  *time.Timer

	registry *sessionRegistry
	store    gameStore
	cfg      *Config
}

func newSession(id string, p1, p2 queueEntry, registry *sessionRegistry) *session {
	return &session{
		id: id,
		slots: [2]playerSlot{
			{id: p1.userID, username: p1.username, rating: p1.rating, conn: p1.conn},
			{id: p2.userID, username: p2.username, rating: p2.rating, conn: p2.conn},
		},
		round:       1,
		totalRounds: registry.cfg.totalRounds,
		state:       stateStarting,
		registry:    registry,
		store:       registry.store,
		cfg:         registry.cfg,
	}
}

func (s *session) broadcastLocked(msg any) {
	for i := range s.slots {
		s.slots[i].conn.enqueue(msg)
	}
}

func (s *session) slotIndex(playerID int64) int {
	for i := range s.slots {
		if s.slots[i].id == playerID {
			return i
		}
	}

	return -1
}

// begin announces the match and arms the pre-round countdown.
func (s *session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.broadcastLocked(gameFoundMessage{
		Type:        "game_found",
		SessionID:   s.id,
		Player1:     playerInfo{ID: s.slots[0].id, Username: s.slots[0].username, Rating: s.slots[0].rating},
		Player2:     playerInfo{ID: s.slots[1].id, Username: s.slots[1].username, Rating: s.slots[1].rating},
		Round:       s.round,
		TotalRounds: s.totalRounds,
	})

	s.pending = time.AfterFunc(s.cfg.startDelay, s.startRound)
}

// startRound draws a fresh target note, arms the round deadline, and
// announces the round. The note goes to both clients: the contest is
// reaction speed, not concealment.
func (s *session) startRound() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateStarting && s.state != stateRoundEnded {
		return
	}

	s.targetNote = notes[rand.Intn(len(notes))]
	s.state = stateRoundActive

	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = time.AfterFunc(s.cfg.roundTimeout, func() {
		s.endRound(nil)
	})

	s.broadcastLocked(roundStartMessage{
		Type:  "round_start",
		Round: s.round,
		Note:  s.targetNote,
	})
}

// handleGuess scores a guess against the current target. Wrong guesses
// cost nothing; the player may keep guessing until the deadline. A
// correct guess scores and ends the round on the spot.
func (s *session) handleGuess(playerID int64, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRoundActive {
		return
	}

	i := s.slotIndex(playerID)
	if i < 0 || !validNote(note) {
		return
	}

	correct := note == s.targetNote

	s.broadcastLocked(playerGuessMessage{
		Type:     "player_guess",
		PlayerID: playerID,
		Note:     note,
		Correct:  correct,
	})

	if !correct {
		return
	}

	s.slots[i].score++
	winner := playerID
	s.endRoundLocked(&winner)
}

// endRound is the deadline-timer entrypoint; winnerID is nil on timeout.
func (s *session) endRound(winnerID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endRoundLocked(winnerID)
}

// endRoundLocked closes out the active round. The state guard is the
// sole defense against the deadline timer and a correct guess racing
// each other: whichever arrives second finds the round no longer active
// and produces no side effects at all.
func (s *session) endRoundLocked(winnerID *int64) {
	if s.state != stateRoundActive {
		return
	}

	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}

	s.state = stateRoundEnded

	s.broadcastLocked(roundEndMessage{
		Type:     "round_end",
		Round:    s.round,
		Note:     s.targetNote,
		WinnerID: winnerID,
		Score1:   s.slots[0].score,
		Score2:   s.slots[1].score,
	})

	if s.round >= s.totalRounds {
		s.endGameLocked()

		return
	}

	s.round++
	s.pending = time.AfterFunc(s.cfg.roundDelay, s.startRound)
}

// endGameLocked settles the match: winner by score (tie on equal),
// ratings persisted, results broadcast, cleanup scheduled.
func (s *session) endGameLocked() {
	if s.state == stateGameEnded {
		return
	}

	s.state = stateGameEnded

	switch {
	case s.slots[0].score > s.slots[1].score:
		s.winnerID = &s.slots[0].id
	case s.slots[1].score > s.slots[0].score:
		s.winnerID = &s.slots[1].id
	}

	s.settleLocked("game_end", nil)
	s.scheduleCleanupLocked()
}

// forfeit ends the game early from any non-terminal state. All rounds
// not yet decided go to the player who stayed.
func (s *session) forfeit(playerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateGameEnded {
		return
	}

	i := s.slotIndex(playerID)
	if i < 0 {
		return
	}

	s.stopTimersLocked()

	other := 1 - i
	s.slots[other].score += s.totalRounds - (s.slots[0].score + s.slots[1].score)

	s.state = stateGameEnded
	s.winnerID = &s.slots[other].id

	logf(s.cfg, "GAMES: %q forfeited session %s", s.slots[i].username, s.id)

	s.settleLocked("game_forfeit", &playerID)
	s.scheduleCleanupLocked()
}

// replayNote re-sends the current target to the requesting player only.
// Broadcasting it would hand the opponent a free hint, so this never
// goes to the other slot.
func (s *session) replayNote(playerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRoundActive {
		return
	}

	i := s.slotIndex(playerID)
	if i < 0 {
		return
	}

	s.slots[i].conn.enqueue(replayNoteMessage{
		Type: "replay_note",
		Note: s.targetNote,
	})
}

func (s *session) stopTimersLocked() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *session) scheduleCleanupLocked() {
	s.cleanup = time.AfterFunc(s.cfg.cleanupDelay, func() {
		s.registry.destroy(s.id)
	})
}

// settleLocked persists the match record (which applies both rating
// adjustments durably) and only then broadcasts the final result. A
// failed write is retried; if it still fails, clients get game_error
// instead of final ratings that were never saved.
func (s *session) settleLocked(msgType string, forfeitedBy *int64) {
	const attempts = 3

	var match *Match
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		match, err = s.store.RecordMatch(s.slots[0].id, s.slots[1].id, s.slots[0].score, s.slots[1].score, s.winnerID)
		if err == nil {
			break
		}

		logf(s.cfg, "ERROR: Recording session %s (attempt %d/%d): %v", s.id, attempt, attempts, err)

		if attempt < attempts {
			time.Sleep(250 * time.Millisecond)
		}
	}

	if err != nil {
		s.broadcastLocked(errorMessage{
			Type:  "game_error",
			Error: "Failed to save match results.",
		})

		return
	}

	results := [2]playerResult{}
	deltas := [2]int{match.RatingChange1, match.RatingChange2}

	for i := range s.slots {
		newRating := s.slots[i].rating + deltas[i]
		if u, err := s.store.GetUser(s.slots[i].id); err == nil && u != nil {
			newRating = u.Rating
		}

		results[i] = playerResult{
			ID:           s.slots[i].id,
			Username:     s.slots[i].username,
			Score:        s.slots[i].score,
			NewRating:    newRating,
			RatingChange: deltas[i],
		}
	}

	s.broadcastLocked(gameEndMessage{
		Type:          msgType,
		SessionID:     s.id,
		Player1:       results[0],
		Player2:       results[1],
		WinnerID:      s.winnerID,
		ForfeitedByID: forfeitedBy,
	})
}

// currentNote returns the live target note; empty outside an active round.
func (s *session) currentNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRoundActive {
		return ""
	}

	return s.targetNote
}

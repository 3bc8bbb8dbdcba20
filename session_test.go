package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records everything sent to one player.
type fakeConn struct {
	mu   sync.Mutex
	msgs []any
	dead bool
}

func (f *fakeConn) enqueue(msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dead {
		return false
	}

	f.msgs = append(f.msgs, msg)

	return true
}

func (f *fakeConn) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return !f.dead
}

func (f *fakeConn) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dead = true
}

func (f *fakeConn) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]any(nil), f.msgs...)
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case gameFoundMessage:
		return m.Type
	case roundStartMessage:
		return m.Type
	case playerGuessMessage:
		return m.Type
	case roundEndMessage:
		return m.Type
	case gameEndMessage:
		return m.Type
	case replayNoteMessage:
		return m.Type
	case errorMessage:
		return m.Type
	case SimpleMessage:
		return m.Type
	case authenticatedMessage:
		return m.Type
	}

	return ""
}

func (f *fakeConn) countType(msgType string) int {
	count := 0
	for _, m := range f.messages() {
		if messageType(m) == msgType {
			count++
		}
	}

	return count
}

func (f *fakeConn) lastOfType(msgType string) (any, bool) {
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if messageType(msgs[i]) == msgType {
			return msgs[i], true
		}
	}

	return nil, false
}

// fakeStore applies the same rating adjustments as the real store, in
// memory.
type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]*User
	matches  []*Match
	failures int // RecordMatch fails this many times before succeeding
}

func newFakeStore(users ...*User) *fakeStore {
	f := &fakeStore{users: make(map[int64]*User)}
	for _, u := range users {
		copied := *u
		f.users[u.ID] = &copied
	}

	return f
}

func (f *fakeStore) GetUser(id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}

	copied := *u

	return &copied, nil
}

func (f *fakeStore) RecordMatch(player1ID, player2ID int64, score1, score2 int, winnerID *int64) (*Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--

		return nil, errors.New("fakeStore: write failed")
	}

	u1, u2 := f.users[player1ID], f.users[player2ID]
	if u1 == nil || u2 == nil {
		return nil, errUnknownUser
	}

	result := outcomeTie
	switch {
	case winnerID != nil && *winnerID == player1ID:
		result = outcomePlayer1Wins
	case winnerID != nil && *winnerID == player2ID:
		result = outcomePlayer2Wins
	}

	adjusted := adjustRatings(u1.Rating, u2.Rating, result)
	u1.Rating = adjusted.rating1
	u2.Rating = adjusted.rating2
	u1.MatchesPlayed++
	u2.MatchesPlayed++

	match := &Match{
		ID:            int64(len(f.matches) + 1),
		Player1ID:     player1ID,
		Player2ID:     player2ID,
		Score1:        score1,
		Score2:        score2,
		WinnerID:      winnerID,
		RatingChange1: adjusted.delta1,
		RatingChange2: adjusted.delta2,
	}
	f.matches = append(f.matches, match)

	return match, nil
}

func (f *fakeStore) matchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.matches)
}

// testConfig uses delays long enough that no timer fires unless a test
// explicitly waits for it.
func testConfig() *Config {
	return &Config{
		totalRounds:  9,
		roundTimeout: time.Hour,
		roundDelay:   time.Hour,
		startDelay:   time.Hour,
		cleanupDelay: time.Hour,
		pairInterval: time.Hour,
	}
}

type testEnv struct {
	registry *sessionRegistry
	store    *fakeStore
	conn1    *fakeConn
	conn2    *fakeConn
	session  *session
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	store := newFakeStore(
		&User{ID: 1, Username: "alice", Rating: 1000},
		&User{ID: 2, Username: "bob", Rating: 1000},
	)

	registry := newSessionRegistry(cfg, store)
	conn1 := &fakeConn{}
	conn2 := &fakeConn{}

	s := registry.create(
		queueEntry{userID: 1, username: "alice", rating: 1000, conn: conn1},
		queueEntry{userID: 2, username: "bob", rating: 1000, conn: conn2},
	)

	return &testEnv{
		registry: registry,
		store:    store,
		conn1:    conn1,
		conn2:    conn2,
		session:  s,
	}
}

// forceRound puts the session into an active round with a known target.
func (env *testEnv) forceRound(note string, round int) {
	s := env.session
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimersLocked()
	s.state = stateRoundActive
	s.targetNote = note
	s.round = round
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("condition not met within %s", timeout)
}

func TestCreateBroadcastsGameFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())

	for _, c := range []*fakeConn{env.conn1, env.conn2} {
		if got := c.countType("game_found"); got != 1 {
			t.Fatalf("game_found count = %d, want 1", got)
		}
	}

	msg, _ := env.conn1.lastOfType("game_found")
	found := msg.(gameFoundMessage)

	if found.TotalRounds != 9 || found.Round != 1 {
		t.Fatalf("game_found round/total = %d/%d, want 1/9", found.Round, found.TotalRounds)
	}
	if found.Player1.ID == found.Player2.ID {
		t.Fatal("both slots hold the same player")
	}
}

func TestCorrectGuessScoresAndEndsRound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("C", 1)

	env.session.handleGuess(1, "F") // miss
	env.session.handleGuess(1, "C") // hit

	s := env.session
	s.mu.Lock()
	score1, score2, round, state := s.slots[0].score, s.slots[1].score, s.round, s.state
	s.mu.Unlock()

	if score1 != 1 || score2 != 0 {
		t.Fatalf("scores = %d-%d, want 1-0", score1, score2)
	}
	if round != 2 || state != stateRoundEnded {
		t.Fatalf("round/state = %d/%s, want 2/round_ended", round, state)
	}

	if got := env.conn2.countType("player_guess"); got != 2 {
		t.Fatalf("player_guess count = %d, want 2", got)
	}

	msg, _ := env.conn2.lastOfType("round_end")
	end := msg.(roundEndMessage)
	if end.WinnerID == nil || *end.WinnerID != 1 {
		t.Fatalf("round_end winner = %v, want 1", end.WinnerID)
	}
	if end.Note != "C" {
		t.Fatalf("round_end note = %q, want C", end.Note)
	}
}

func TestTimerGuessRaceEndsRoundOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("D", 1)

	// A correct guess and the deadline path racing for the same round:
	// the second arrival must be absorbed with zero side effects.
	env.session.handleGuess(2, "D")
	env.session.endRound(nil)

	s := env.session
	s.mu.Lock()
	total := s.slots[0].score + s.slots[1].score
	s.mu.Unlock()

	if total != 1 {
		t.Fatalf("combined score = %d, want exactly 1", total)
	}

	for _, c := range []*fakeConn{env.conn1, env.conn2} {
		if got := c.countType("round_end"); got != 1 {
			t.Fatalf("round_end count = %d, want 1", got)
		}
	}
}

func TestTimeoutAwardsNoPoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("E", 3)

	env.session.endRound(nil)

	s := env.session
	s.mu.Lock()
	total := s.slots[0].score + s.slots[1].score
	round := s.round
	s.mu.Unlock()

	if total != 0 {
		t.Fatalf("combined score = %d, want 0 after timeout", total)
	}
	if round != 4 {
		t.Fatalf("round = %d, want 4", round)
	}

	msg, _ := env.conn1.lastOfType("round_end")
	if end := msg.(roundEndMessage); end.WinnerID != nil {
		t.Fatalf("round_end winner = %v, want nil on timeout", *end.WinnerID)
	}
}

func TestGuessOutsideActiveRoundAbsorbed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("F", 1)
	env.session.endRound(nil)

	before := len(env.conn1.messages())
	env.session.handleGuess(1, "F")

	if got := len(env.conn1.messages()); got != before {
		t.Fatalf("stale guess produced %d new messages, want 0", got-before)
	}
}

func TestReplayNoteIsUnicast(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("F#", 2)

	env.session.replayNote(1)

	if got := env.conn1.countType("replay_note"); got != 1 {
		t.Fatalf("requester replay_note count = %d, want 1", got)
	}
	if got := env.conn2.countType("replay_note"); got != 0 {
		t.Fatalf("opponent replay_note count = %d, want 0", got)
	}

	msg, _ := env.conn1.lastOfType("replay_note")
	if note := msg.(replayNoteMessage).Note; note != "F#" {
		t.Fatalf("replayed note = %q, want F#", note)
	}

	// Replay outside an active round is ignored.
	env.session.endRound(nil)
	env.session.replayNote(1)

	if got := env.conn1.countType("replay_note"); got != 1 {
		t.Fatalf("replay_note count after round end = %d, want still 1", got)
	}
}

func TestForfeitAwardsRemainingRounds(t *testing.T) {
	t.Parallel()

	type tcase struct {
		forfeiter  int64
		wantScore1 int
		wantScore2 int
		wantWinner int64
	}

	tcases := map[string]tcase{
		"player1_forfeits": {
			forfeiter:  1,
			wantScore1: 2,
			wantScore2: 7,
			wantWinner: 2,
		},
		"player2_forfeits": {
			forfeiter:  2,
			wantScore1: 8,
			wantScore2: 1,
			wantWinner: 1,
		},
	}

	for name, tc := range tcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, testConfig())
			env.forceRound("G", 3)

			s := env.session
			s.mu.Lock()
			s.slots[0].score = 2
			s.slots[1].score = 1
			s.mu.Unlock()

			s.forfeit(tc.forfeiter)

			s.mu.Lock()
			score1, score2, state := s.slots[0].score, s.slots[1].score, s.state
			s.mu.Unlock()

			if score1 != tc.wantScore1 || score2 != tc.wantScore2 {
				t.Fatalf("scores = %d-%d, want %d-%d", score1, score2, tc.wantScore1, tc.wantScore2)
			}
			if state != stateGameEnded {
				t.Fatalf("state = %s, want game_ended", state)
			}

			msg, ok := env.conn2.lastOfType("game_forfeit")
			if !ok {
				t.Fatal("no game_forfeit broadcast")
			}
			end := msg.(gameEndMessage)

			if end.WinnerID == nil || *end.WinnerID != tc.wantWinner {
				t.Fatalf("winner = %v, want %d", end.WinnerID, tc.wantWinner)
			}
			if end.ForfeitedByID == nil || *end.ForfeitedByID != tc.forfeiter {
				t.Fatalf("forfeited_by = %v, want %d", end.ForfeitedByID, tc.forfeiter)
			}

			if got := env.store.matchCount(); got != 1 {
				t.Fatalf("recorded matches = %d, want 1", got)
			}

			// Further guesses and forfeits are absorbed.
			s.handleGuess(1, "G")
			s.forfeit(tc.forfeiter)

			if got := env.store.matchCount(); got != 1 {
				t.Fatalf("recorded matches after stale events = %d, want 1", got)
			}
		})
	}
}

func TestForfeitFromRoundEndedState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.forceRound("A", 1)
	env.session.endRound(nil)

	env.session.forfeit(1)

	s := env.session
	s.mu.Lock()
	state, score2 := s.state, s.slots[1].score
	s.mu.Unlock()

	if state != stateGameEnded {
		t.Fatalf("state = %s, want game_ended", state)
	}
	if score2 != 9 {
		t.Fatalf("score2 = %d, want all 9 remaining rounds", score2)
	}
}

func TestPersistenceFailurePreventsResultBroadcast(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.store.failures = 5 // more than the retry budget
	env.forceRound("B", 1)

	env.session.forfeit(2)

	for _, c := range []*fakeConn{env.conn1, env.conn2} {
		if got := c.countType("game_forfeit"); got != 0 {
			t.Fatalf("game_forfeit count = %d, want 0 when persistence fails", got)
		}
		if got := c.countType("game_error"); got != 1 {
			t.Fatalf("game_error count = %d, want 1", got)
		}
	}

	if got := env.store.matchCount(); got != 0 {
		t.Fatalf("recorded matches = %d, want 0", got)
	}
}

func TestPersistenceRetrySucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.store.failures = 1 // first attempt fails, retry lands
	env.forceRound("B", 1)

	env.session.forfeit(2)

	if got := env.store.matchCount(); got != 1 {
		t.Fatalf("recorded matches = %d, want 1", got)
	}
	if got := env.conn1.countType("game_forfeit"); got != 1 {
		t.Fatalf("game_forfeit count = %d, want 1 after retry", got)
	}
}

func TestFullSessionLifecycle(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		totalRounds:  9,
		roundTimeout: 5 * time.Second,
		roundDelay:   5 * time.Millisecond,
		startDelay:   5 * time.Millisecond,
		cleanupDelay: 25 * time.Millisecond,
		pairInterval: time.Hour,
	}

	env := newTestEnv(t, cfg)
	s := env.session

	// Player 1 answers every round correctly the moment it opens.
	for round := 1; round <= 9; round++ {
		waitFor(t, 5*time.Second, func() bool {
			return s.currentNote() != ""
		})

		s.handleGuess(1, s.currentNote())
	}

	waitFor(t, 5*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.state == stateGameEnded
	})

	for _, c := range []*fakeConn{env.conn1, env.conn2} {
		if got := c.countType("game_end"); got != 1 {
			t.Fatalf("game_end count = %d, want exactly 1", got)
		}
		if got := c.countType("round_end"); got != 9 {
			t.Fatalf("round_end count = %d, want 9", got)
		}
	}

	msg, _ := env.conn1.lastOfType("game_end")
	end := msg.(gameEndMessage)

	if end.Player1.Score != 9 || end.Player2.Score != 0 {
		t.Fatalf("final score = %d-%d, want 9-0", end.Player1.Score, end.Player2.Score)
	}
	if end.WinnerID == nil || *end.WinnerID != 1 {
		t.Fatalf("winner = %v, want 1", end.WinnerID)
	}
	if end.Player1.NewRating != 1016 || end.Player1.RatingChange != 16 {
		t.Fatalf("player1 rating = %d (%+d), want 1016 (+16)", end.Player1.NewRating, end.Player1.RatingChange)
	}
	if end.Player2.NewRating != 984 || end.Player2.RatingChange != -16 {
		t.Fatalf("player2 rating = %d (%+d), want 984 (-16)", end.Player2.NewRating, end.Player2.RatingChange)
	}

	// After the grace delay the registry and the player index are empty.
	waitFor(t, 5*time.Second, func() bool {
		return env.registry.count() == 0 && !env.registry.inSession(1) && !env.registry.inSession(2)
	})

	// And the session goes quiet for good.
	before := len(env.conn1.messages()) + len(env.conn2.messages())
	time.Sleep(50 * time.Millisecond)
	if after := len(env.conn1.messages()) + len(env.conn2.messages()); after != before {
		t.Fatalf("%d messages emitted after cleanup, want 0", after-before)
	}
}

func TestTieGame(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	s := env.session

	// Final round with even scores and a timeout: nobody wins.
	env.forceRound("C", 9)
	s.mu.Lock()
	s.slots[0].score = 4
	s.slots[1].score = 4
	s.mu.Unlock()

	s.endRound(nil)

	msg, ok := env.conn1.lastOfType("game_end")
	if !ok {
		t.Fatal("no game_end broadcast")
	}
	if end := msg.(gameEndMessage); end.WinnerID != nil {
		t.Fatalf("winner = %v, want nil on tie", *end.WinnerID)
	}

	if m := env.store.matches[0]; m.WinnerID != nil {
		t.Fatalf("recorded winner = %v, want nil", *m.WinnerID)
	}
}

/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

const (
	// How long rating proximity dominates pairing before decaying.
	pairDecayWindow = 30 * time.Second

	// Rating proximity never counts for less than this share.
	pairDecayFloor = 0.2
)

var (
	errAlreadyQueued = errors.New("queue: already in the matchmaking queue")
	errAlreadyInGame = errors.New("queue: already in an active game")
)

// queueEntry is a waiting player. It exists only between join_queue and
// whichever comes first of match-found, leave_queue, or disconnect.
type queueEntry struct {
	userID   int64
	username string
	rating   int
	joinedAt time.Time
	conn     conn
}

// matchQueue holds waiting players and pairs them greedily by rating
// proximity, with proximity decaying in favor of wait time.
type matchQueue struct {
	mu      sync.Mutex
	entries []queueEntry

	// pair is invoked with both removed entries when a match is made.
	pair func(a, b queueEntry)

	// inSession reports whether a player already owns an active session.
	inSession func(userID int64) bool

	now func() time.Time
}

func newMatchQueue(pair func(a, b queueEntry), inSession func(int64) bool) *matchQueue {
	return &matchQueue{
		pair:      pair,
		inSession: inSession,
		now:       time.Now,
	}
}

// enqueue appends the player and immediately attempts a pairing pass.
func (q *matchQueue) enqueue(entry queueEntry) error {
	q.mu.Lock()

	for _, e := range q.entries {
		if e.userID == entry.userID {
			q.mu.Unlock()

			return errAlreadyQueued
		}
	}

	if q.inSession(entry.userID) {
		q.mu.Unlock()

		return errAlreadyInGame
	}

	entry.joinedAt = q.now()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.runPass()

	return nil
}

// dequeue removes the player if queued; absent players are a no-op.
func (q *matchQueue) dequeue(userID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(userID)
}

func (q *matchQueue) removeLocked(userID int64) {
	dst := q.entries[:0]
	for _, e := range q.entries {
		if e.userID != userID {
			dst = append(dst, e)
		}
	}
	q.entries = dst
}

func (q *matchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// pairScore is the match quality for a candidate pair; lower is better.
// Rating distance is weighted by a factor that decays from 1 toward the
// floor as the longer-waiting player's wait approaches the decay window,
// so nobody sits behind a rating filter forever.
func pairScore(a, b queueEntry, now time.Time) float64 {
	ratingGap := math.Abs(float64(a.rating - b.rating))

	maxWait := now.Sub(a.joinedAt)
	if wait := now.Sub(b.joinedAt); wait > maxWait {
		maxWait = wait
	}

	waitFactor := math.Max(1-maxWait.Seconds()/pairDecayWindow.Seconds(), pairDecayFloor)

	return ratingGap * waitFactor
}

// runPass executes one pairing pass. Entries are considered oldest
// first; for each, the live candidate with the lowest pairScore wins
// (first seen on ties). Every successful match mutates the queue, so the
// scan restarts from the top rather than continuing with stale indices.
// Entries whose channel has gone away are pruned as they are
// encountered.
func (q *matchQueue) runPass() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

restart:
	for {
		for i := 0; i < len(q.entries); i++ {
			p := q.entries[i]

			if !p.conn.alive() {
				q.removeLocked(p.userID)

				continue restart
			}

			best := -1
			bestScore := math.Inf(1)

			for j := range q.entries {
				if i == j || !q.entries[j].conn.alive() {
					continue
				}

				if score := pairScore(p, q.entries[j], now); score < bestScore {
					bestScore = score
					best = j
				}
			}

			if best >= 0 {
				opponent := q.entries[best]
				q.removeLocked(p.userID)
				q.removeLocked(opponent.userID)

				q.pair(p, opponent)

				continue restart
			}
		}

		return
	}
}

// loop re-runs the pairing pass on a fixed interval until ctx is done,
// catching entries whose wait factor has decayed since the last pass.
func (q *matchQueue) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runPass()
		case <-ctx.Done():
			return
		}
	}
}

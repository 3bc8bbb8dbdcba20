/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients
type ClientMessage struct {
	Type      string `json:"type"`                 // "authenticate", "join_queue", "leave_queue", "guess", "replay_note", "forfeit_game"
	UserID    int64  `json:"user_id,omitempty"`    // authenticate
	SessionID string `json:"session_id,omitempty"` // guess / replay_note / forfeit_game
	Note      string `json:"note,omitempty"`       // guess
}

type playerInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

type authenticatedMessage struct {
	Type    string      `json:"type"` // "authenticated"
	Success bool        `json:"success"`
	User    *playerInfo `json:"user,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SimpleMessage is for generic notifications ("queue_joined", "queue_left")
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorMessage covers "queue_error" and "game_error".
type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type gameFoundMessage struct {
	Type        string     `json:"type"` // "game_found"
	SessionID   string     `json:"session_id"`
	Player1     playerInfo `json:"player1"`
	Player2     playerInfo `json:"player2"`
	Round       int        `json:"round"`
	TotalRounds int        `json:"total_rounds"`
}

type roundStartMessage struct {
	Type  string `json:"type"` // "round_start"
	Round int    `json:"round"`
	Note  string `json:"note"`
}

type playerGuessMessage struct {
	Type     string `json:"type"` // "player_guess"
	PlayerID int64  `json:"player_id"`
	Note     string `json:"note"`
	Correct  bool   `json:"correct"`
}

type roundEndMessage struct {
	Type     string `json:"type"` // "round_end"
	Round    int    `json:"round"`
	Note     string `json:"note"`
	WinnerID *int64 `json:"winner_id"` // null on timeout
	Score1   int    `json:"score1"`
	Score2   int    `json:"score2"`
}

type playerResult struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Score        int    `json:"score"`
	NewRating    int    `json:"new_rating"`
	RatingChange int    `json:"rating_change"`
}

type gameEndMessage struct {
	Type          string       `json:"type"` // "game_end" or "game_forfeit"
	SessionID     string       `json:"session_id"`
	Player1       playerResult `json:"player1"`
	Player2       playerResult `json:"player2"`
	WinnerID      *int64       `json:"winner_id"` // null on tie
	ForfeitedByID *int64       `json:"forfeited_by_id,omitempty"`
}

type replayNoteMessage struct {
	Type string `json:"type"` // "replay_note", unicast only
	Note string `json:"note"`
}

// Client is one websocket connection. Outbound messages go through a
// buffered channel drained by writePump; enqueue drops the client
// instead of blocking when the buffer is full.
type Client struct {
	ws   *websocket.Conn
	send chan any

	mu     sync.Mutex
	closed bool

	userID   int64
	username string
	rating   int
}

func newClient(ws *websocket.Conn) *Client {
	return &Client{
		ws:   ws,
		send: make(chan any, 16),
	}
}

func (c *Client) enqueue(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.closed = true
		close(c.send)

		return false
	}
}

func (c *Client) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	defer c.ws.Close()

	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			return
		}
	}
}

// gateway routes inbound channel events to the queue and the session
// machinery.
type gateway struct {
	cfg      *Config
	store    gameStore
	queue    *matchQueue
	registry *sessionRegistry
}

func (g *gateway) readPump(c *Client) {
	defer func() {
		g.disconnect(c)
		_ = c.ws.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "authenticate":
			g.handleAuthenticate(c, msg)
		case "join_queue":
			g.handleJoinQueue(c)
		case "leave_queue":
			if c.userID != 0 {
				g.queue.dequeue(c.userID)
			}
			c.enqueue(SimpleMessage{
				Type:    "queue_left",
				Message: "You've left the matchmaking queue",
			})
		case "guess":
			if !g.requireAuth(c, "game_error") {
				continue
			}
			if s := g.registry.lookup(msg.SessionID); s != nil {
				s.handleGuess(c.userID, msg.Note)
			}
		case "replay_note":
			if !g.requireAuth(c, "game_error") {
				continue
			}
			if s := g.registry.lookup(msg.SessionID); s != nil {
				s.replayNote(c.userID)
			}
		case "forfeit_game":
			if !g.requireAuth(c, "game_error") {
				continue
			}
			if s := g.registry.lookup(msg.SessionID); s != nil {
				s.forfeit(c.userID)
			}
		default:
			// ignore unknown types
		}
	}
}

// requireAuth rejects actions from unauthenticated connections with the
// matching error event and no state mutation.
func (g *gateway) requireAuth(c *Client, errType string) bool {
	if c.userID != 0 {
		return true
	}

	c.enqueue(errorMessage{
		Type:  errType,
		Error: "You must be authenticated",
	})

	return false
}

func (g *gateway) handleAuthenticate(c *Client, msg ClientMessage) {
	u, err := g.store.GetUser(msg.UserID)
	if err != nil {
		logf(g.cfg, "ERROR: Authenticating user %d: %v", msg.UserID, err)
	}

	if u == nil {
		c.enqueue(authenticatedMessage{
			Type:  "authenticated",
			Error: "Invalid user",
		})

		return
	}

	c.userID = u.ID
	c.username = u.Username
	c.rating = u.Rating

	logf(g.cfg, "USERS: %q authenticated", u.Username)

	c.enqueue(authenticatedMessage{
		Type:    "authenticated",
		Success: true,
		User:    &playerInfo{ID: u.ID, Username: u.Username, Rating: u.Rating},
	})
}

func (g *gateway) handleJoinQueue(c *Client) {
	if !g.requireAuth(c, "queue_error") {
		return
	}

	// Re-read the user so queueing always uses the current rating.
	u, err := g.store.GetUser(c.userID)
	if err != nil || u == nil {
		c.enqueue(errorMessage{
			Type:  "queue_error",
			Error: "User not found",
		})

		return
	}
	c.rating = u.Rating

	err = g.queue.enqueue(queueEntry{
		userID:   u.ID,
		username: u.Username,
		rating:   u.Rating,
		conn:     c,
	})
	if err != nil {
		c.enqueue(errorMessage{
			Type:  "queue_error",
			Error: "You are already in a game or queue",
		})

		return
	}

	logf(g.cfg, "QUEUE: %q joined the matchmaking queue", u.Username)

	c.enqueue(SimpleMessage{
		Type:    "queue_joined",
		Message: "You've joined the matchmaking queue",
	})
}

// disconnect tears down everything the connection owned: its queue
// entry, and — when it owned a live session — the session itself, via
// the forfeit path.
func (g *gateway) disconnect(c *Client) {
	c.shutdown()

	if c.userID == 0 {
		return
	}

	g.queue.dequeue(c.userID)

	if s := g.registry.sessionFor(c.userID); s != nil {
		s.forfeit(c.userID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(g *gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(g.cfg, "ERROR: Websocket upgrade from %s: %v", realIP(r), err)

			return
		}

		client := newClient(ws)

		go client.writePump()
		g.readPump(client)
	}
}

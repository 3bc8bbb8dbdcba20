/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	_ "modernc.org/sqlite"
)

const dbTimeLayout = "2006-01-02 15:04:05"

var (
	errUsernameTaken      = errors.New("store: username already exists")
	errUsernameTooShort   = errors.New("store: username must be at least 3 characters")
	errPasswordTooShort   = errors.New("store: password must be at least 4 characters")
	errInvalidCredentials = errors.New("store: invalid username or password")
	errUnknownUser        = errors.New("store: unknown user")
)

// User mirrors a row of the users table. The password hash never leaves
// the store.
type User struct {
	ID            int64
	Username      string
	Rating        int
	MatchesPlayed int
	MatchesWon    int
	TotalRounds   int
	RoundsWon     int
	CreatedAt     time.Time
}

// Match is an immutable record of one completed session.
type Match struct {
	ID            int64
	Player1ID     int64
	Player2ID     int64
	Score1        int
	Score2        int
	WinnerID      *int64
	RatingChange1 int
	RatingChange2 int
	CreatedAt     time.Time
}

type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Rating        int    `json:"rating"`
	MatchesPlayed int    `json:"matches_played"`
	MatchesWon    int    `json:"matches_won"`
	WinRate       int    `json:"win_rate"`
}

// gameStore is the narrow persistence interface the session machine
// depends on; *Store satisfies it, tests substitute a fake.
type gameStore interface {
	GetUser(id int64) (*User, error)
	RecordMatch(player1ID, player2ID int64, score1, score2 int, winnerID *int64) (*Match, error)
}

// Store provides SQLite-backed persistence for users and match records.
type Store struct {
	db *sql.DB
}

// newStore opens (or creates) the database at dbPath and runs migrations.
func newStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// WAL for concurrent reads, busy timeout to ride out writer contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		username       TEXT    NOT NULL UNIQUE COLLATE NOCASE CHECK(length(username) >= 3 AND length(username) <= 32),
		password_hash  BLOB    NOT NULL,
		password_salt  BLOB    NOT NULL,
		rating         INTEGER NOT NULL DEFAULT 1000,
		matches_played INTEGER NOT NULL DEFAULT 0,
		matches_won    INTEGER NOT NULL DEFAULT 0,
		total_rounds   INTEGER NOT NULL DEFAULT 0,
		rounds_won     INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS matches (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		player1_id     INTEGER NOT NULL REFERENCES users(id),
		player2_id     INTEGER NOT NULL REFERENCES users(id),
		score1         INTEGER NOT NULL,
		score2         INTEGER NOT NULL,
		winner_id      INTEGER,
		rating_change1 INTEGER NOT NULL DEFAULT 0,
		rating_change2 INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`

	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}

	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}

		if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}

	return nil
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
}

// Register creates a new user with the default rating. Usernames are
// unique case-insensitively.
func (s *Store) Register(username, password string) (*User, error) {
	if len(username) < 3 {
		return nil, errUsernameTooShort
	}
	if len(password) < 4 {
		return nil, errPasswordTooShort
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("store: generate salt: %w", err)
	}

	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO users (username, password_hash, password_salt) VALUES (?, ?, ?)",
		username, hashPassword(password, salt), salt)
	if err != nil {
		var exists int
		if scanErr := s.db.QueryRowContext(context.Background(),
			"SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&exists); scanErr == nil && exists > 0 {
			return nil, errUsernameTaken
		}

		return nil, fmt.Errorf("store: create user: %w", err)
	}

	id, _ := res.LastInsertId()

	return &User{
		ID:        id,
		Username:  username,
		Rating:    1000,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Login verifies the password for the named user and returns the user
// record on success.
func (s *Store) Login(username, password string) (*User, error) {
	u := &User{}
	var hash, salt []byte
	var createdAt string

	err := s.db.QueryRowContext(context.Background(),
		`SELECT id, username, password_hash, password_salt, rating, matches_played, matches_won, total_rounds, rounds_won, created_at
		 FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &hash, &salt, &u.Rating, &u.MatchesPlayed, &u.MatchesWon, &u.TotalRounds, &u.RoundsWon, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("store: login: %w", err)
	}

	if subtle.ConstantTimeCompare(hash, hashPassword(password, salt)) != 1 {
		return nil, errInvalidCredentials
	}

	parsed, err := time.ParseInLocation(dbTimeLayout, createdAt, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("store: login: %w", err)
	}
	u.CreatedAt = parsed

	return u, nil
}

// GetUser retrieves a user by ID, or nil if no such user exists.
func (s *Store) GetUser(id int64) (*User, error) {
	u := &User{}
	var createdAt string

	err := s.db.QueryRowContext(context.Background(),
		`SELECT id, username, rating, matches_played, matches_won, total_rounds, rounds_won, created_at
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Rating, &u.MatchesPlayed, &u.MatchesWon, &u.TotalRounds, &u.RoundsWon, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}

	parsed, err := time.ParseInLocation(dbTimeLayout, createdAt, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.CreatedAt = parsed

	return u, nil
}

// Leaderboard returns all users with at least one completed match,
// ordered by rating.
func (s *Store) Leaderboard() ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, username, rating, matches_played, matches_won
		 FROM users WHERE matches_played > 0 ORDER BY rating DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: leaderboard: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Rating, &e.MatchesPlayed, &e.MatchesWon); err != nil {
			return nil, fmt.Errorf("store: scan leaderboard: %w", err)
		}

		e.Rank = len(entries) + 1
		if e.MatchesPlayed > 0 {
			e.WinRate = int(float64(e.MatchesWon)/float64(e.MatchesPlayed)*100 + 0.5)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// RecordMatch appends a match record, adjusts both players' ratings and
// cumulative counters, and returns the record with both deltas filled
// in. The whole update is one transaction: either everything is durable
// or nothing is.
func (s *Store) RecordMatch(player1ID, player2ID int64, score1, score2 int, winnerID *int64) (*Match, error) {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: record match: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	readRating := func(id int64) (int, error) {
		var rating int
		err := tx.QueryRowContext(ctx, "SELECT rating FROM users WHERE id = ?", id).Scan(&rating)
		if err == sql.ErrNoRows {
			return 0, errUnknownUser
		}

		return rating, err
	}

	rating1, err := readRating(player1ID)
	if err != nil {
		return nil, fmt.Errorf("store: record match: %w", err)
	}
	rating2, err := readRating(player2ID)
	if err != nil {
		return nil, fmt.Errorf("store: record match: %w", err)
	}

	result := outcomeTie
	switch {
	case winnerID != nil && *winnerID == player1ID:
		result = outcomePlayer1Wins
	case winnerID != nil && *winnerID == player2ID:
		result = outcomePlayer2Wins
	}

	adjusted := adjustRatings(rating1, rating2, result)

	update := func(id int64, newRating, roundsWon int, won bool) error {
		wonDelta := 0
		if won {
			wonDelta = 1
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE users SET rating = ?, matches_played = matches_played + 1, matches_won = matches_won + ?,
			 total_rounds = total_rounds + ?, rounds_won = rounds_won + ? WHERE id = ?`,
			newRating, wonDelta, score1+score2, roundsWon, id)

		return err
	}

	if err := update(player1ID, adjusted.rating1, score1, result == outcomePlayer1Wins); err != nil {
		return nil, fmt.Errorf("store: update player1: %w", err)
	}
	if err := update(player2ID, adjusted.rating2, score2, result == outcomePlayer2Wins); err != nil {
		return nil, fmt.Errorf("store: update player2: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO matches (player1_id, player2_id, score1, score2, winner_id, rating_change1, rating_change2)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		player1ID, player2ID, score1, score2, winnerID, adjusted.delta1, adjusted.delta2)
	if err != nil {
		return nil, fmt.Errorf("store: insert match: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit match: %w", err)
	}

	id, _ := res.LastInsertId()

	return &Match{
		ID:            id,
		Player1ID:     player1ID,
		Player2ID:     player2ID,
		Score1:        score1,
		Score2:        score2,
		WinnerID:      winnerID,
		RatingChange1: adjusted.delta1,
		RatingChange2: adjusted.delta2,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

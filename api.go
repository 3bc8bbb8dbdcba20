/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type apiUser struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Rating        int    `json:"rating"`
	MatchesPlayed int    `json:"matches_played"`
	MatchesWon    int    `json:"matches_won"`
	TotalRounds   int    `json:"total_rounds"`
	RoundsWon     int    `json:"rounds_won"`
}

type apiResponse struct {
	Success     bool               `json:"success"`
	Error       string             `json:"error,omitempty"`
	User        *apiUser           `json:"user,omitempty"`
	Leaderboard []LeaderboardEntry `json:"leaderboard,omitzero"`
}

func toAPIUser(u *User) *apiUser {
	return &apiUser{
		ID:            u.ID,
		Username:      u.Username,
		Rating:        u.Rating,
		MatchesPlayed: u.MatchesPlayed,
		MatchesWon:    u.MatchesWon,
		TotalRounds:   u.TotalRounds,
		RoundsWon:     u.RoundsWon,
	}
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v apiResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		return req, false
	}

	return req, req.Username != "" && req.Password != ""
}

func serveRegister(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		req, ok := decodeCredentials(w, r)
		if !ok {
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Username and password required"})

			return
		}

		u, err := store.Register(req.Username, req.Password)
		switch {
		case errors.Is(err, errUsernameTaken):
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Username already exists"})

			return
		case errors.Is(err, errUsernameTooShort):
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Username must be at least 3 characters"})

			return
		case errors.Is(err, errPasswordTooShort):
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Password must be at least 4 characters"})

			return
		case err != nil:
			logf(cfg, "ERROR: Registering %q: %v", req.Username, err)
			writeJSON(cfg, w, http.StatusInternalServerError, apiResponse{Error: "Database error"})

			return
		}

		logf(cfg, "USERS: Registered %q (%s) in %s",
			u.Username,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(cfg, w, http.StatusOK, apiResponse{Success: true, User: toAPIUser(u)})
	}
}

func serveLogin(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req, ok := decodeCredentials(w, r)
		if !ok {
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Username and password required"})

			return
		}

		u, err := store.Login(req.Username, req.Password)
		if errors.Is(err, errInvalidCredentials) {
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Invalid username or password"})

			return
		}
		if err != nil {
			logf(cfg, "ERROR: Logging in %q: %v", req.Username, err)
			writeJSON(cfg, w, http.StatusInternalServerError, apiResponse{Error: "Database error"})

			return
		}

		logf(cfg, "USERS: %q logged in from %s", u.Username, realIP(r))

		writeJSON(cfg, w, http.StatusOK, apiResponse{Success: true, User: toAPIUser(u)})
	}
}

func serveLeaderboard(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		entries, err := store.Leaderboard()
		if err != nil {
			logf(cfg, "ERROR: Fetching leaderboard: %v", err)
			writeJSON(cfg, w, http.StatusInternalServerError, apiResponse{Error: "Database error"})

			return
		}

		if entries == nil {
			entries = []LeaderboardEntry{}
		}

		writeJSON(cfg, w, http.StatusOK, apiResponse{Success: true, Leaderboard: entries})
	}
}

func serveUser(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
		if err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, apiResponse{Error: "Invalid user id"})

			return
		}

		u, err := store.GetUser(id)
		if err != nil {
			logf(cfg, "ERROR: Fetching user %d: %v", id, err)
			writeJSON(cfg, w, http.StatusInternalServerError, apiResponse{Error: "Database error"})

			return
		}
		if u == nil {
			writeJSON(cfg, w, http.StatusNotFound, apiResponse{Error: "User not found"})

			return
		}

		writeJSON(cfg, w, http.StatusOK, apiResponse{Success: true, User: toAPIUser(u)})
	}
}

func registerAPI(cfg *Config, store *Store, mux *httprouter.Router) {
	mux.POST(cfg.prefix+"/api/register", serveRegister(cfg, store))
	mux.POST(cfg.prefix+"/api/login", serveLogin(cfg, store))
	mux.GET(cfg.prefix+"/api/leaderboard", serveLeaderboard(cfg, store))
	mux.GET(cfg.prefix+"/api/users/:id", serveUser(cfg, store))
}

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"
	"github.com/npezzotti/neolive/internal/database"
	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/npezzotti/neolive/internal/types"
	"github.com/samber/lo"
)

// EventUserUpdate is triggered on the global presence channel after a user
// changes their settings.
const EventUserUpdate = "user:update"

const triggerTimeout = 5 * time.Second

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"required,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type SettingsRequest struct {
	Name  string `json:"name" validate:"omitempty,max=255"`
	Image string `json:"image" validate:"omitempty,url"`
}

func (s *NeoliveApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *NeoliveApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

// lookupError maps repository errors to responses.
func lookupError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Name:         u.Name,
		EmailAddress: u.EmailAddress,
		Image:        u.Image,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *NeoliveApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *NeoliveApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Name:         req.Name,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			s.writeError(w, NewConflictError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *NeoliveApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	dbUser, err := s.db.GetAccountByEmail(req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, req.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, u)
}

func (s *NeoliveApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *NeoliveApp) session(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(sess.UserId)
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *NeoliveApp) updateSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	curUser, err := s.db.GetAccountById(sess.UserId)
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	// omitted fields keep their current value
	dbUser, err := s.db.UpdateSettings(database.UpdateSettingsParams{
		UserId: curUser.Id,
		Name:   lo.CoalesceOrEmpty(req.Name, curUser.Name),
		Image:  lo.CoalesceOrEmpty(req.Image, curUser.Image),
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	update := types.UserUpdate{Email: dbUser.EmailAddress, Name: dbUser.Name, Image: dbUser.Image}
	if err := s.hub.Trigger(ctx, protocol.GlobalPresenceChannel, EventUserUpdate, update); err != nil {
		s.log.Printf("trigger %s: %v", EventUserUpdate, err)
	}

	s.writeJson(w, http.StatusOK, toUser(dbUser))
}

func (s *NeoliveApp) listUsers(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	users, err := s.db.ListUsers(sess.UserId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(users, func(u database.User, _ int) types.User {
		return toUser(u)
	}))
}

func (s *NeoliveApp) lookupUser(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if err := s.validate.Var(email, "required,email"); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	user, err := s.db.GetAccountByEmail(email)
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *NeoliveApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if _, err := s.hub.Accept(conn); err != nil {
		s.log.Println("accept connection:", err)
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/neolive/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultJwtExpiration = time.Hour * 24
	tokenCookieKey       = "token"

	userIdClaim = "user-id"
	emailClaim  = "email"
	expClaim    = "exp"
)

var errInvalidSession = errors.New("invalid session")

type contextKey string

const sessionKey contextKey = "session"

// Session is the verified identity behind a request.
type Session struct {
	UserId int
	Email  string
}

func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

func SessionFrom(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}

func (s *NeoliveApp) createJwtForSession(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: user.Id,
		emailClaim:  user.EmailAddress,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *NeoliveApp) parseSessionToken(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Session{}, errInvalidSession
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Session{}, fmt.Errorf("%w: missing user id", errInvalidSession)
	}

	email, ok := claims[emailClaim].(string)
	if !ok || email == "" {
		return Session{}, fmt.Errorf("%w: missing email", errInvalidSession)
	}

	return Session{UserId: int(userId), Email: email}, nil
}

// sessionFromRequest verifies the session cookie of r.
func (s *NeoliveApp) sessionFromRequest(r *http.Request) (Session, error) {
	tokenCookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return Session{}, fmt.Errorf("get cookie: %w", err)
	}

	return s.parseSessionToken(tokenCookie.Value)
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

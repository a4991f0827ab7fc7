package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/neolive/internal/config"
	"github.com/npezzotti/neolive/internal/database"
	"github.com/npezzotti/neolive/internal/grant"
	"github.com/npezzotti/neolive/internal/relay"
	"github.com/npezzotti/neolive/internal/stats"
	"github.com/npezzotti/neolive/internal/testutil"
	"github.com/npezzotti/neolive/internal/types"
	"github.com/stretchr/testify/assert"
)

var (
	testCreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testUser      = database.User{
		Id:           1,
		Name:         "Test User",
		EmailAddress: "testuser@example.com",
		Image:        "https://example.com/avatar.png",
		CreatedAt:    testCreatedAt,
		UpdatedAt:    testCreatedAt,
	}
)

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     []byte("test-signing-key"),
		AllowedOrigins: []string{"http://localhost:3000"},
		RelayKey:       "app-key",
		RelaySecret:    []byte("relay-secret-0123"),
	}
}

// newTestApp wires an app to a relay hub on a local backplane that the test
// can observe.
func newTestApp(t *testing.T, repo database.UserRepository, su stats.StatsProvider) (*NeoliveApp, *relay.LocalBackplane) {
	t.Helper()

	if su == nil {
		su = stats.NewNoopMockStatsUpdater()
	}

	cfg := testConfig()
	logger := testutil.TestLogger(t)
	backplane := relay.NewLocalBackplane()
	hub := relay.NewHub(logger, grant.NewSigner(cfg.RelayKey, cfg.RelaySecret), backplane, stats.NewNoopMockStatsUpdater())

	return NewNeoliveApp(http.NewServeMux(), logger, hub, repo, su, cfg), backplane
}

func sessionCookie(t *testing.T, app *NeoliveApp, u database.User) *http.Cookie {
	t.Helper()

	token, err := app.createJwtForSession(toUser(u), defaultJwtExpiration)
	if err != nil {
		t.Fatalf("failed to create session token: %v", err)
	}

	return createJwtCookie(token, defaultJwtExpiration)
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	if s, ok := body.(string); ok {
		return httptest.NewRequest(method, target, strings.NewReader(s))
	}

	raw, err := json.Marshal(body)
	assert.NoErrorf(t, err, "failed to marshal request: %v", err)
	return httptest.NewRequest(method, target, bytes.NewBuffer(raw))
}

// findCookie is a helper function to find a cookie by name in the response recorder.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()

	var e ApiError
	err := json.NewDecoder(rr.Body).Decode(&e)
	assert.NoErrorf(t, err, "failed to decode ApiError response: %v", err)
	assert.Equal(t, e.StatusCode, rr.Code, "expected status code to match")
	return e
}

func decodeUser(t *testing.T, rr *httptest.ResponseRecorder) types.User {
	t.Helper()

	var u types.User
	err := json.NewDecoder(rr.Body).Decode(&u)
	assert.NoErrorf(t, err, "failed to decode user response: %v", err)
	return u
}

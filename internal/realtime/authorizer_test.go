package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/neolive/internal/grant"
	"github.com/stretchr/testify/assert"
)

func TestHTTPAuthorizer_Authorize(t *testing.T) {
	tcases := []struct {
		name          string
		status        int
		body          any
		expectedGrant grant.Grant
		expectedErr   error
		expectErr     bool
	}{
		{
			name:          "granted",
			status:        http.StatusOK,
			body:          grant.Grant{Auth: "app-key:token", ChannelData: `{"user_id":"a@example.com"}`},
			expectedGrant: grant.Grant{Auth: "app-key:token", ChannelData: `{"user_id":"a@example.com"}`},
		},
		{
			name:        "no session",
			status:      http.StatusUnauthorized,
			expectedErr: ErrUnauthorized,
			expectErr:   true,
		},
		{
			name:        "forbidden",
			status:      http.StatusForbidden,
			expectedErr: ErrUnauthorized,
			expectErr:   true,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			expectErr: true,
		},
		{
			name:      "empty grant",
			status:    http.StatusOK,
			body:      map[string]string{},
			expectErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
				assert.Equal(t, "1234.5678", r.FormValue("socket_id"))
				assert.Equal(t, "presence-global", r.FormValue("channel_name"))

				w.WriteHeader(tc.status)
				if tc.body != nil {
					json.NewEncoder(w).Encode(tc.body)
				}
			}))
			defer srv.Close()

			a := &HTTPAuthorizer{Endpoint: srv.URL}
			g, err := a.Authorize(context.Background(), "1234.5678", "presence-global")
			if tc.expectErr {
				assert.Error(t, err)
				if tc.expectedErr != nil {
					assert.ErrorIs(t, err, tc.expectedErr)
				}
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.expectedGrant, g)
		})
	}
}

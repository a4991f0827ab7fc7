package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validParams() Params {
	return Params{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
		SigningKey:     "c29tZV9zZWNyZXQ=",
		AllowedOrigins: "http://localhost:3000, http://localhost:5173,",
		RelayKey:       "neolive",
		RelaySecret:    "0123456789abcdef",
	}
}

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(p *Params)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(p *Params) {},
			err:    false,
		},
		{
			name:   "empty address",
			modify: func(p *Params) { p.ServerAddr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(p *Params) { p.DatabaseDSN = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(p *Params) { p.SigningKey = "" },
			err:    true,
		},
		{
			name:   "signing key not base64",
			modify: func(p *Params) { p.SigningKey = "invalid_base64" },
			err:    true,
		},
		{
			name:   "relay key with separator",
			modify: func(p *Params) { p.RelayKey = "neo:live" },
			err:    true,
		},
		{
			name:   "short relay secret",
			modify: func(p *Params) { p.RelaySecret = "short" },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.modify(&p)

			config, err := NewConfig(p)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, p.ServerAddr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, p.DatabaseDSN, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, config.AllowedOrigins, "expected allowed origins to be split")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
			assert.Equal(t, []byte(p.RelaySecret), config.RelaySecret)
			assert.Empty(t, config.RedisAddr)
		})
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("NEOLIVE_ADDR", ":9000")
	t.Setenv("NEOLIVE_REDIS_ADDR", "redis://localhost:6379/0")

	p := validParams()
	assert.NoError(t, LoadEnv(&p))

	assert.Equal(t, ":9000", p.ServerAddr, "expected environment to override the flag value")
	assert.Equal(t, "redis://localhost:6379/0", p.RedisAddr)
	assert.Equal(t, validParams().DatabaseDSN, p.DatabaseDSN, "expected unset variables to keep the flag value")
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

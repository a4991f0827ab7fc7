package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// Params are the raw settings from flags, overlaid by NEOLIVE_* environment
// variables.
type Params struct {
	ServerAddr     string `env:"NEOLIVE_ADDR" validate:"required"`
	DatabaseDSN    string `env:"NEOLIVE_DSN" validate:"required"`
	SigningKey     string `env:"NEOLIVE_SIGNING_KEY" validate:"required,base64"`
	AllowedOrigins string `env:"NEOLIVE_ALLOWED_ORIGINS"`
	RelayKey       string `env:"NEOLIVE_RELAY_KEY" validate:"required,excludes=:"`
	RelaySecret    string `env:"NEOLIVE_RELAY_SECRET" validate:"required,min=16"`
	// RedisAddr enables the redis backplane when set.
	RedisAddr string `env:"NEOLIVE_REDIS_ADDR"`
}

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	RelayKey       string
	RelaySecret    []byte
	RedisAddr      string
}

// LoadEnv overwrites the fields of p whose environment variable is set.
func LoadEnv(p *Params) error {
	if _, err := env.UnmarshalFromEnviron(p); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}

	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func splitOrigins(origins string) []string {
	return lo.Compact(lo.Map(strings.Split(origins, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	}))
}

func NewConfig(p Params) (*Config, error) {
	if err := validator.New().Struct(p); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    p.DatabaseDSN,
		ServerAddr:     p.ServerAddr,
		SigningKey:     signingKey,
		AllowedOrigins: splitOrigins(p.AllowedOrigins),
		RelayKey:       p.RelayKey,
		RelaySecret:    []byte(p.RelaySecret),
		RedisAddr:      p.RedisAddr,
	}, nil
}

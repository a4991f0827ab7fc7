package grant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/neolive/internal/protocol"
)

const DefaultTTL = time.Minute

var (
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrChannelMismatch = errors.New("grant issued for a different channel")
	ErrSocketMismatch  = errors.New("grant issued for a different socket")
	ErrMissingIdentity = errors.New("grant carries no identity")
)

// Grant is returned to the client, which forwards it to the relay in its
// subscribe request.
type Grant struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// ChannelData is what other presence subscribers learn about a member.
type ChannelData struct {
	UserId string `json:"user_id"`
}

// Claims bind a grant to exactly one identity, channel and socket.
type Claims struct {
	Channel  string `json:"channel"`
	SocketId string `json:"socket_id"`
	UserId   string `json:"user_id"`
	jwt.StandardClaims
}

type Signer struct {
	key    string
	secret []byte
	ttl    time.Duration
}

// NewSigner returns a signer for the relay app key and its shared secret.
func NewSigner(key string, secret []byte) *Signer {
	return &Signer{
		key:    key,
		secret: secret,
		ttl:    DefaultTTL,
	}
}

func (s *Signer) Key() string {
	return s.key
}

// Issue signs a grant allowing socketId to join channel as identity. The
// identity must come from server-verified session state.
func (s *Signer) Issue(identity, channel, socketId string) (Grant, error) {
	if identity == "" {
		return Grant{}, ErrMissingIdentity
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Channel:  channel,
		SocketId: socketId,
		UserId:   identity,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}

	g := Grant{Auth: s.key + ":" + signed}

	if protocol.TypeOf(channel) == protocol.ChannelPresence {
		data, err := json.Marshal(ChannelData{UserId: identity})
		if err != nil {
			return Grant{}, fmt.Errorf("encode channel data: %w", err)
		}
		g.ChannelData = string(data)
	}

	return g, nil
}

// Verify checks the signature on auth and that it was issued for channel and
// socketId. The returned claims carry the identity to trust.
func (s *Signer) Verify(auth, channel, socketId string) (*Claims, error) {
	key, signed, ok := strings.Cut(auth, ":")
	if !ok || key != s.key {
		return nil, fmt.Errorf("%w: unknown app key", ErrInvalidGrant)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	if !token.Valid {
		return nil, ErrInvalidGrant
	}

	if claims.Channel != channel {
		return nil, ErrChannelMismatch
	}

	if claims.SocketId != socketId {
		return nil, ErrSocketMismatch
	}

	if claims.UserId == "" {
		return nil, ErrMissingIdentity
	}

	return &claims, nil
}

package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	// ClientEventPrefix marks events published by clients rather than the server.
	ClientEventPrefix = "client-"
)

// Error codes sent in pusher:error messages.
const (
	ErrCodeInvalidMessage   = 4000
	ErrCodeUnsupportedEvent = 4001
	ErrCodeNotSubscribed    = 4002
	ErrCodeRateLimited      = 4301
)

// Message is the envelope for every frame exchanged with the relay.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserId  string          `json:"user_id,omitempty"`
}

type ConnectionEstablished struct {
	SocketId        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type Subscribe struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type Unsubscribe struct {
	Channel string `json:"channel"`
}

type PresenceData struct {
	Ids   []string `json:"ids"`
	Count int      `json:"count"`
}

type SubscriptionSucceeded struct {
	Presence *PresenceData `json:"presence,omitempty"`
}

type SubscriptionError struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

type Member struct {
	UserId string `json:"user_id"`
}

type Error struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// NewMessage builds a message for event on channel with payload encoded as data.
func NewMessage(event, channel string, payload any) (*Message, error) {
	msg := &Message{
		Event:   event,
		Channel: channel,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Data = data
	}

	return msg, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Event)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}

	return nil
}

// IsClientEvent reports whether the message was published by a client.
func (m *Message) IsClientEvent() bool {
	return len(m.Event) > len(ClientEventPrefix) && m.Event[:len(ClientEventPrefix)] == ClientEventPrefix
}

func ErrSubscriptionUnauthorized(channel string, err error) *Message {
	msg, _ := NewMessage(EventSubscriptionError, channel, SubscriptionError{
		Type:   "AuthError",
		Error:  err.Error(),
		Status: http.StatusUnauthorized,
	})
	return msg
}

func ErrSubscriptionInvalid(channel string, reason string) *Message {
	msg, _ := NewMessage(EventSubscriptionError, channel, SubscriptionError{
		Type:   "InvalidChannel",
		Error:  reason,
		Status: http.StatusBadRequest,
	})
	return msg
}

func ErrSubscriptionUnavailable(channel string) *Message {
	msg, _ := NewMessage(EventSubscriptionError, channel, SubscriptionError{
		Type:   "ServiceUnavailable",
		Error:  "presence unavailable",
		Status: http.StatusServiceUnavailable,
	})
	return msg
}

func NewError(code int, message string) *Message {
	msg, _ := NewMessage(EventError, "", Error{Message: message, Code: code})
	return msg
}

func Pong() *Message {
	return &Message{Event: EventPong}
}

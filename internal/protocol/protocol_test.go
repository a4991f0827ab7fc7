package protocol

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf(t *testing.T) {
	tcases := []struct {
		name     string
		channel  string
		expected ChannelType
	}{
		{name: "global presence", channel: GlobalPresenceChannel, expected: ChannelPresence},
		{name: "private", channel: "private-team", expected: ChannelPrivate},
		{name: "conversation", channel: ConversationChannel("abc123"), expected: ChannelPrivate},
		{name: "public", channel: "announcements", expected: ChannelPublic},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, TypeOf(tc.channel), "expected %q to be %s", tc.channel, tc.expected)
			assert.Equal(t, tc.expected != ChannelPublic, RequiresAuth(tc.channel))
		})
	}
}

func TestConversationChannel(t *testing.T) {
	assert.Equal(t, "conversation-42", ConversationChannel("42"))
}

func TestValidChannelName(t *testing.T) {
	long := make([]byte, maxChannelNameLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tcases := []struct {
		name    string
		channel string
		valid   bool
	}{
		{name: "presence channel", channel: "presence-global", valid: true},
		{name: "punctuation", channel: "private-a_b=c@d,e.f;g", valid: true},
		{name: "empty", channel: "", valid: false},
		{name: "space", channel: "presence global", valid: false},
		{name: "slash", channel: "private/room", valid: false},
		{name: "too long", channel: string(long), valid: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidChannelName(tc.channel))
		})
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(EventMemberAdded, GlobalPresenceChannel, Member{UserId: "u1@example.com"})
	assert.NoError(t, err)

	raw, err := json.Marshal(msg)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"event":"pusher_internal:member_added","channel":"presence-global","data":{"user_id":"u1@example.com"}}`, string(raw))

	var member Member
	assert.NoError(t, msg.Decode(&member))
	assert.Equal(t, "u1@example.com", member.UserId)
}

func TestMessage_Decode_EmptyData(t *testing.T) {
	msg := &Message{Event: EventSubscribe}
	var sub Subscribe
	assert.Error(t, msg.Decode(&sub), "expected error decoding empty data")
}

func TestMessage_IsClientEvent(t *testing.T) {
	assert.True(t, (&Message{Event: "client-typing"}).IsClientEvent())
	assert.False(t, (&Message{Event: "client-"}).IsClientEvent())
	assert.False(t, (&Message{Event: EventSubscribe}).IsClientEvent())
}

func TestErrSubscriptionUnauthorized(t *testing.T) {
	msg := ErrSubscriptionUnauthorized("private-x", assert.AnError)
	assert.Equal(t, EventSubscriptionError, msg.Event)
	assert.Equal(t, "private-x", msg.Channel)

	var subErr SubscriptionError
	assert.NoError(t, msg.Decode(&subErr))
	assert.Equal(t, http.StatusUnauthorized, subErr.Status)
	assert.Equal(t, "AuthError", subErr.Type)
}

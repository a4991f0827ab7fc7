package protocol

import "strings"

// GlobalPresenceChannel is joined by every signed-in client to track who is online.
const GlobalPresenceChannel = "presence-global"

const (
	presencePrefix     = "presence-"
	privatePrefix      = "private-"
	conversationPrefix = "conversation-"

	maxChannelNameLength = 164
)

type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelPresence
)

func (ct ChannelType) String() string {
	return [...]string{
		"public",
		"private",
		"presence",
	}[ct]
}

// TypeOf classifies a channel by its name prefix. Conversation channels are
// private.
func TypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, presencePrefix):
		return ChannelPresence
	case strings.HasPrefix(name, privatePrefix), strings.HasPrefix(name, conversationPrefix):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// RequiresAuth reports whether subscribing to name needs a grant.
func RequiresAuth(name string) bool {
	return TypeOf(name) != ChannelPublic
}

// ConversationChannel returns the private channel carrying events for a conversation.
func ConversationChannel(conversationId string) string {
	return conversationPrefix + conversationId
}

func ValidChannelName(name string) bool {
	if name == "" || len(name) > maxChannelNameLength {
		return false
	}

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_=@,.;", r):
		default:
			return false
		}
	}

	return true
}

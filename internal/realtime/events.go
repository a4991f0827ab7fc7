package realtime

import (
	"encoding/json"
	"sync"
)

type EventKind int

const (
	KindSubscriptionSucceeded EventKind = iota
	KindSubscriptionError
	KindMemberAdded
	KindMemberRemoved
	KindEvent
)

func (k EventKind) String() string {
	return [...]string{
		"subscription_succeeded",
		"subscription_error",
		"member_added",
		"member_removed",
		"event",
	}[k]
}

// Event is delivered on a channel's stream in the order the relay sent it.
type Event struct {
	Kind    EventKind
	Channel string
	// Name is the relay event name.
	Name string
	// Members is the initial snapshot on KindSubscriptionSucceeded.
	Members []string
	// UserId is the member for membership events and the sender of client
	// events on presence channels.
	UserId string
	// Status is set on KindSubscriptionError.
	Status int
	Data   json.RawMessage
}

const channelBufferSize = 256

// Channel is the handle for one subscription.
type Channel struct {
	name   string
	events chan Event
	lock   sync.Mutex
	closed bool
}

func newChannel(name string) *Channel {
	return &Channel{
		name:   name,
		events: make(chan Event, channelBufferSize),
	}
}

func (ch *Channel) Name() string {
	return ch.name
}

// Events is closed once the channel is unsubscribed, refused or the
// connection is lost.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

func (ch *Channel) deliver(ev Event) bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	if ch.closed {
		return false
	}

	select {
	case ch.events <- ev:
		return true
	default:
		return false
	}
}

func (ch *Channel) close() {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	if !ch.closed {
		ch.closed = true
		close(ch.events)
	}
}

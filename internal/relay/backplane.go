package relay

import (
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/samber/lo"
)

// Envelope carries a message for every local subscriber of a channel.
type Envelope struct {
	Channel string            `json:"channel"`
	Message *protocol.Message `json:"message"`
	// Origin is the instance id of the publishing hub.
	Origin string `json:"origin"`
	// SkipSocket is not sent the message, usually its sender.
	SkipSocket string `json:"skip_socket,omitempty"`
}

// Backplane shares presence counts and channel messages between relay
// instances. Counts are per connection: an identity is a member of a
// channel while at least one of its sockets is subscribed on any instance.
type Backplane interface {
	Publish(ctx context.Context, env *Envelope) error
	// Subscribe returns the stream of envelopes published by any instance.
	// It is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan *Envelope, error)
	// Join records one more connection of identity on channel and reports
	// whether it is the first.
	Join(ctx context.Context, channel, identity string) (bool, error)
	// Leave records one less connection of identity on channel and reports
	// whether it was the last.
	Leave(ctx context.Context, channel, identity string) (bool, error)
	Members(ctx context.Context, channel string) ([]string, error)
	Close() error
}

const envelopeBufferSize = 1024

// LocalBackplane serves a single relay instance.
type LocalBackplane struct {
	lock   sync.Mutex
	counts map[string]map[string]int
	// subsLock is held for reading while publishing so that a subscription
	// is never closed mid-send.
	subsLock    sync.RWMutex
	subscribers []chan *Envelope
	closed      bool
}

func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{
		counts: make(map[string]map[string]int),
	}
}

func (b *LocalBackplane) Publish(ctx context.Context, env *Envelope) error {
	b.subsLock.RLock()
	defer b.subsLock.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (b *LocalBackplane) Subscribe(ctx context.Context) (<-chan *Envelope, error) {
	ch := make(chan *Envelope, envelopeBufferSize)

	b.subsLock.Lock()
	if b.closed {
		b.subsLock.Unlock()
		close(ch)
		return ch, nil
	}
	b.subscribers = append(b.subscribers, ch)
	b.subsLock.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch, nil
}

func (b *LocalBackplane) unsubscribe(ch chan *Envelope) {
	b.subsLock.Lock()
	defer b.subsLock.Unlock()

	idx := slices.Index(b.subscribers, ch)
	if idx < 0 {
		return
	}

	b.subscribers = slices.Delete(b.subscribers, idx, idx+1)
	close(ch)
}

func (b *LocalBackplane) Join(_ context.Context, channel, identity string) (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	members, ok := b.counts[channel]
	if !ok {
		members = make(map[string]int)
		b.counts[channel] = members
	}

	members[identity]++
	return members[identity] == 1, nil
}

func (b *LocalBackplane) Leave(_ context.Context, channel, identity string) (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	members, ok := b.counts[channel]
	if !ok || members[identity] == 0 {
		return false, nil
	}

	members[identity]--
	if members[identity] > 0 {
		return false, nil
	}

	delete(members, identity)
	if len(members) == 0 {
		delete(b.counts, channel)
	}

	return true, nil
}

func (b *LocalBackplane) Members(_ context.Context, channel string) ([]string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	ids := lo.Keys(b.counts[channel])
	slices.Sort(ids)
	return ids, nil
}

func (b *LocalBackplane) Close() error {
	b.subsLock.Lock()
	defer b.subsLock.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil

	return nil
}

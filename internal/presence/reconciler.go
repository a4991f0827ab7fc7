package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/npezzotti/neolive/internal/realtime"
)

var (
	ErrSubscriptionRefused = errors.New("presence subscription refused")
	ErrConnectionLost      = errors.New("presence connection lost")
)

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	// StateUnavailable means the subscription failed or the relay went
	// away. Presence is unknown until the loop is run again.
	StateUnavailable
)

func (s State) String() string {
	return [...]string{
		"idle",
		"subscribing",
		"active",
		"unavailable",
	}[s]
}

type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusOnline
)

func (s Status) String() string {
	return [...]string{
		"unknown",
		"offline",
		"online",
	}[s]
}

// Source delivers the ordered event stream of a channel.
type Source interface {
	Watch(ctx context.Context, channel string) (<-chan realtime.Event, error)
	Unsubscribe(channel string) error
}

// Reconciler keeps a Store in sync with the membership of a presence channel.
type Reconciler struct {
	source    Source
	store     *Store
	channel   string
	log       *log.Logger
	lock      sync.RWMutex
	state     State
	observers []func(State)
}

// NewReconciler wires the global presence channel of source into store.
func NewReconciler(source Source, store *Store, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Reconciler{
		source:  source,
		store:   store,
		channel: protocol.GlobalPresenceChannel,
		log:     logger,
	}
}

func (r *Reconciler) State() State {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.state
}

// OnStateChange registers fn to be called on every state transition. Must be
// called before Run.
func (r *Reconciler) OnStateChange(fn func(State)) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.observers = append(r.observers, fn)
}

// Status reports whether identity is online. Outside of the active state
// presence is unknown rather than offline.
func (r *Reconciler) Status(identity string) Status {
	if r.State() != StateActive {
		return StatusUnknown
	}

	if r.store.Contains(identity) {
		return StatusOnline
	}

	return StatusOffline
}

// Run subscribes to the presence channel and applies membership events to
// the store until ctx is cancelled, at which point it unsubscribes and
// returns nil. A refused subscription or a lost connection leaves the
// reconciler unavailable and is returned as an error; there is no retry.
func (r *Reconciler) Run(ctx context.Context) error {
	r.setState(StateSubscribing)

	events, err := r.source.Watch(ctx, r.channel)
	if err != nil {
		r.setState(StateUnavailable)
		return fmt.Errorf("subscribe %q: %w", r.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := r.source.Unsubscribe(r.channel); err != nil {
				r.log.Printf("unsubscribe %q: %v", r.channel, err)
			}
			r.setState(StateIdle)
			return nil
		case ev, ok := <-events:
			if !ok {
				r.setState(StateUnavailable)
				return ErrConnectionLost
			}

			if err := r.handleEvent(ev); err != nil {
				r.setState(StateUnavailable)
				return err
			}
		}
	}
}

func (r *Reconciler) handleEvent(ev realtime.Event) error {
	switch ev.Kind {
	case realtime.KindSubscriptionSucceeded:
		r.log.Printf("presence snapshot: %d members", len(ev.Members))
		r.store.Replace(ev.Members)
		r.setState(StateActive)
	case realtime.KindMemberAdded:
		r.store.Add(ev.UserId)
	case realtime.KindMemberRemoved:
		r.store.Remove(ev.UserId)
	case realtime.KindSubscriptionError:
		if ev.Status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrSubscriptionRefused, realtime.ErrUnauthorized)
		}
		return fmt.Errorf("%w: status %d", ErrSubscriptionRefused, ev.Status)
	}

	return nil
}

func (r *Reconciler) setState(s State) {
	r.lock.Lock()
	if r.state == s {
		r.lock.Unlock()
		return
	}
	r.state = s
	observers := r.observers
	r.lock.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/neolive/internal/grant"
	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/npezzotti/neolive/internal/stats"
	"github.com/samber/lo"
)

const backplaneTimeout = 5 * time.Second

var ErrHubClosed = errors.New("hub is shutting down")

// Hub routes channel messages between the sockets connected to this
// instance and, through the backplane, to every other instance.
type Hub struct {
	log        *log.Logger
	signer     *grant.Signer
	backplane  Backplane
	stats      stats.StatsProvider
	instanceId string

	lock     sync.RWMutex
	sockets  map[string]*Socket
	channels map[string]*channel
	closing  bool

	// presenceLock orders join and leave transitions with the membership
	// events they publish.
	presenceLock sync.Mutex
	wg           sync.WaitGroup
	cancel       context.CancelFunc
	done         chan struct{}
}

type channel struct {
	name string
	// members maps each subscribed socket to the identity it joined as.
	members map[*Socket]string
}

func NewHub(logger *log.Logger, signer *grant.Signer, backplane Backplane, su stats.StatsProvider) *Hub {
	su.RegisterMetric(stats.ActiveSockets)
	su.RegisterMetric(stats.ActiveChannels)
	su.RegisterMetric(stats.ClientEvents)

	return &Hub{
		log:        logger,
		signer:     signer,
		backplane:  backplane,
		stats:      su,
		instanceId: uuid.NewString(),
		sockets:    make(map[string]*Socket),
		channels:   make(map[string]*channel),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the backplane and delivers envelopes published by
// other instances until Shutdown.
func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	envelopes, err := h.backplane.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe backplane: %w", err)
	}

	h.cancel = cancel
	go h.run(envelopes)

	return nil
}

func (h *Hub) run(envelopes <-chan *Envelope) {
	defer close(h.done)

	for env := range envelopes {
		if env.Origin == h.instanceId || env.Message == nil {
			continue
		}

		h.deliver(env)
	}
}

// Accept registers conn as a new socket and starts serving it.
func (h *Hub) Accept(conn *websocket.Conn) (*Socket, error) {
	s := newSocket(h, conn)
	established, err := protocol.NewMessage(protocol.EventConnectionEstablished, "", protocol.ConnectionEstablished{
		SocketId:        s.id,
		ActivityTimeout: int(pongWait.Seconds()),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	h.lock.Lock()
	if h.closing {
		h.lock.Unlock()
		conn.Close()
		return nil, ErrHubClosed
	}
	h.sockets[s.id] = s
	h.wg.Add(1)
	h.lock.Unlock()

	h.stats.Incr(stats.ActiveSockets)
	h.log.Printf("socket %s connected", s.id)
	s.queueMessage(established)

	go s.write()
	go s.read()

	return s, nil
}

// Trigger publishes a server event to every subscriber of channel.
func (h *Hub) Trigger(ctx context.Context, channel, event string, data any) error {
	if !protocol.ValidChannelName(channel) {
		return fmt.Errorf("invalid channel name %q", channel)
	}

	msg, err := protocol.NewMessage(event, channel, data)
	if err != nil {
		return err
	}

	return h.broadcast(ctx, channel, msg, "")
}

// Shutdown disconnects every socket, releasing its presence, and stops
// delivering backplane envelopes.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Println("shutting down relay hub")

	h.lock.Lock()
	h.closing = true
	sockets := lo.Values(h.sockets)
	h.lock.Unlock()

	for _, s := range sockets {
		s.close()
	}

	released := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(released)
	}()

	var err error
	select {
	case <-released:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	return err
}

func (h *Hub) handleMessage(s *Socket, msg *protocol.Message) {
	switch {
	case msg.Event == protocol.EventPing:
		s.queueMessage(protocol.Pong())
	case msg.Event == protocol.EventSubscribe:
		h.subscribe(s, msg)
	case msg.Event == protocol.EventUnsubscribe:
		var unsub protocol.Unsubscribe
		if err := msg.Decode(&unsub); err != nil {
			s.queueMessage(protocol.NewError(protocol.ErrCodeInvalidMessage, err.Error()))
			return
		}
		h.unsubscribe(s, unsub.Channel)
	case msg.IsClientEvent():
		h.clientEvent(s, msg)
	default:
		s.queueMessage(protocol.NewError(protocol.ErrCodeUnsupportedEvent, fmt.Sprintf("unsupported event %q", msg.Event)))
	}
}

func (h *Hub) subscribe(s *Socket, msg *protocol.Message) {
	var sub protocol.Subscribe
	if err := msg.Decode(&sub); err != nil {
		s.queueMessage(protocol.NewError(protocol.ErrCodeInvalidMessage, err.Error()))
		return
	}

	if !protocol.ValidChannelName(sub.Channel) {
		s.queueMessage(protocol.ErrSubscriptionInvalid(sub.Channel, "invalid channel name"))
		return
	}

	identity, err := h.authorize(s, &sub)
	if err != nil {
		h.log.Printf("socket %s refused %q: %v", s.id, sub.Channel, err)
		s.queueMessage(protocol.ErrSubscriptionUnauthorized(sub.Channel, err))
		return
	}

	if protocol.TypeOf(sub.Channel) != protocol.ChannelPresence {
		h.addMember(s, sub.Channel, identity)
		ok, _ := protocol.NewMessage(protocol.EventSubscriptionSucceeded, sub.Channel, protocol.SubscriptionSucceeded{})
		s.queueMessage(ok)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backplaneTimeout)
	defer cancel()

	h.presenceLock.Lock()
	defer h.presenceLock.Unlock()

	identity, added := h.addMember(s, sub.Channel, identity)
	if added {
		if err := h.join(ctx, s, sub.Channel, identity); err != nil {
			h.log.Printf("socket %s join %q: %v", s.id, sub.Channel, err)
			h.removeMember(s, sub.Channel)
			s.queueMessage(protocol.ErrSubscriptionUnavailable(sub.Channel))
			return
		}
	}

	if err := h.queueSnapshot(ctx, s, sub.Channel); err != nil {
		h.log.Printf("members %q: %v", sub.Channel, err)
		if _, ok := h.removeMember(s, sub.Channel); ok {
			h.leave(ctx, sub.Channel, identity)
		}
		s.queueMessage(protocol.ErrSubscriptionUnavailable(sub.Channel))
	}
}

// queueSnapshot reads the members of a presence channel and queues them to s.
// The write lock keeps deliver from queueing a membership event between the
// read and the snapshot, so every event s receives after the snapshot is
// either already reflected in it or newer.
func (h *Hub) queueSnapshot(ctx context.Context, s *Socket, channel string) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	ids, err := h.backplane.Members(ctx, channel)
	if err != nil {
		return err
	}

	succeeded, err := protocol.NewMessage(protocol.EventSubscriptionSucceeded, channel, protocol.SubscriptionSucceeded{
		Presence: &protocol.PresenceData{Ids: ids, Count: len(ids)},
	})
	if err != nil {
		return err
	}

	s.queueMessage(succeeded)
	return nil
}

// authorize verifies the grant for a private or presence subscription and
// returns the identity it was issued to.
func (h *Hub) authorize(s *Socket, sub *protocol.Subscribe) (string, error) {
	if !protocol.RequiresAuth(sub.Channel) {
		return "", nil
	}

	claims, err := h.signer.Verify(sub.Auth, sub.Channel, s.id)
	if err != nil {
		return "", err
	}

	if protocol.TypeOf(sub.Channel) != protocol.ChannelPresence {
		return claims.UserId, nil
	}

	if claims.UserId == "" {
		return "", grant.ErrMissingIdentity
	}

	// channel_data is signed into the grant; a mismatch means it was altered.
	if sub.ChannelData != "" {
		var data grant.ChannelData
		if err := json.Unmarshal([]byte(sub.ChannelData), &data); err != nil || data.UserId != claims.UserId {
			return "", grant.ErrInvalidGrant
		}
	}

	return claims.UserId, nil
}

func (h *Hub) unsubscribe(s *Socket, name string) {
	if protocol.TypeOf(name) != protocol.ChannelPresence {
		h.removeMember(s, name)
		return
	}

	h.presenceLock.Lock()
	defer h.presenceLock.Unlock()

	identity, ok := h.removeMember(s, name)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backplaneTimeout)
	defer cancel()

	h.leave(ctx, name, identity)
}

func (h *Hub) clientEvent(s *Socket, msg *protocol.Message) {
	if !protocol.RequiresAuth(msg.Channel) {
		s.queueMessage(protocol.NewError(protocol.ErrCodeUnsupportedEvent, "client events require a private or presence channel"))
		return
	}

	identity, ok := h.memberIdentity(s, msg.Channel)
	if !ok {
		s.queueMessage(protocol.NewError(protocol.ErrCodeNotSubscribed, fmt.Sprintf("not subscribed to %q", msg.Channel)))
		return
	}

	if !s.limiter.Allow() {
		s.queueMessage(protocol.NewError(protocol.ErrCodeRateLimited, "client event rate limit exceeded"))
		return
	}

	out := &protocol.Message{
		Event:   msg.Event,
		Channel: msg.Channel,
		Data:    msg.Data,
	}
	if protocol.TypeOf(msg.Channel) == protocol.ChannelPresence {
		out.UserId = identity
	}

	ctx, cancel := context.WithTimeout(context.Background(), backplaneTimeout)
	defer cancel()

	if err := h.broadcast(ctx, msg.Channel, out, s.id); err != nil {
		h.log.Printf("client event %q on %q: %v", msg.Event, msg.Channel, err)
	}
	h.stats.Incr(stats.ClientEvents)
}

// removeSocket unsubscribes s from all of its channels. It is called once
// the socket's read loop exits.
func (h *Hub) removeSocket(s *Socket) {
	defer h.wg.Done()

	h.lock.Lock()
	delete(h.sockets, s.id)
	names := lo.Keys(s.channels)
	h.lock.Unlock()

	for _, name := range names {
		h.unsubscribe(s, name)
	}

	h.stats.Decr(stats.ActiveSockets)
	h.log.Printf("socket %s disconnected", s.id)
}

// join must be called with presenceLock held.
func (h *Hub) join(ctx context.Context, s *Socket, channel, identity string) error {
	first, err := h.backplane.Join(ctx, channel, identity)
	if err != nil {
		return err
	}

	if !first {
		return nil
	}

	added, err := protocol.NewMessage(protocol.EventMemberAdded, channel, protocol.Member{UserId: identity})
	if err != nil {
		return err
	}

	if err := h.broadcast(ctx, channel, added, s.id); err != nil {
		h.log.Printf("publish member_added %q: %v", channel, err)
	}

	return nil
}

// leave must be called with presenceLock held.
func (h *Hub) leave(ctx context.Context, channel, identity string) {
	last, err := h.backplane.Leave(ctx, channel, identity)
	if err != nil {
		h.log.Printf("leave %q: %v", channel, err)
		return
	}

	if !last {
		return
	}

	removed, err := protocol.NewMessage(protocol.EventMemberRemoved, channel, protocol.Member{UserId: identity})
	if err != nil {
		h.log.Println(err)
		return
	}

	if err := h.broadcast(ctx, channel, removed, ""); err != nil {
		h.log.Printf("publish member_removed %q: %v", channel, err)
	}
}

// broadcast delivers msg to the local subscribers of channel and publishes
// it to the other instances.
func (h *Hub) broadcast(ctx context.Context, channel string, msg *protocol.Message, skipSocket string) error {
	env := &Envelope{
		Channel:    channel,
		Message:    msg,
		Origin:     h.instanceId,
		SkipSocket: skipSocket,
	}

	h.deliver(env)
	return h.backplane.Publish(ctx, env)
}

func (h *Hub) deliver(env *Envelope) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	ch, ok := h.channels[env.Channel]
	if !ok {
		return
	}

	for s := range ch.members {
		if s.id == env.SkipSocket {
			continue
		}
		s.queueMessage(env.Message)
	}
}

// addMember subscribes s to name. If s was already subscribed the identity
// it originally joined as is returned and added is false.
func (h *Hub) addMember(s *Socket, name, identity string) (string, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{
			name:    name,
			members: make(map[*Socket]string),
		}
		h.channels[name] = ch
		h.stats.Incr(stats.ActiveChannels)
	}

	if existing, ok := ch.members[s]; ok {
		return existing, false
	}

	ch.members[s] = identity
	s.channels[name] = struct{}{}

	return identity, true
}

func (h *Hub) removeMember(s *Socket, name string) (string, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	delete(s.channels, name)

	ch, ok := h.channels[name]
	if !ok {
		return "", false
	}

	identity, ok := ch.members[s]
	if !ok {
		return "", false
	}

	delete(ch.members, s)
	if len(ch.members) == 0 {
		delete(h.channels, name)
		h.stats.Decr(stats.ActiveChannels)
	}

	return identity, true
}

func (h *Hub) memberIdentity(s *Socket, name string) (string, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	ch, ok := h.channels[name]
	if !ok {
		return "", false
	}

	identity, ok := ch.members[s]
	return identity, ok
}

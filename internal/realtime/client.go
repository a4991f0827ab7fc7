package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/neolive/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 * 1024
	sendBufferSize   = 64
)

var (
	ErrUnauthorized = errors.New("channel authorization refused")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8000/ws.
	URL        string
	Authorizer Authorizer
	Dialer     *websocket.Dialer
	Header     http.Header
	Logger     *log.Logger
}

// Client is one long-lived connection to the relay shared by all of its
// channel subscriptions.
type Client struct {
	conn         *websocket.Conn
	log          *log.Logger
	auth         Authorizer
	socketId     string
	send         chan *protocol.Message
	channels     map[string]*Channel
	channelsLock sync.Mutex
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

// Dial connects to the relay and waits for it to assign a socket id.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	if msg.Event != protocol.EventConnectionEstablished {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake event %q", msg.Event)
	}

	var established protocol.ConnectionEstablished
	if err := msg.Decode(&established); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		log:      logger,
		auth:     opts.Authorizer,
		socketId: established.SocketId,
		send:     make(chan *protocol.Message, sendBufferSize),
		channels: make(map[string]*Channel),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.write()
	go c.read()

	return c, nil
}

func (c *Client) SocketId() string {
	return c.socketId
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Subscribe joins channel. Subscribing to a channel that is already
// subscribed returns the existing handle. Private and presence channels are
// authorized first; a refused authorization returns an error wrapping
// ErrUnauthorized and leaves no subscription behind.
func (c *Client) Subscribe(ctx context.Context, name string) (*Channel, error) {
	if !protocol.ValidChannelName(name) {
		return nil, fmt.Errorf("invalid channel name %q", name)
	}

	if ch, ok := c.getChannel(name); ok {
		return ch, nil
	}

	sub := protocol.Subscribe{Channel: name}
	if protocol.RequiresAuth(name) {
		if c.auth == nil {
			return nil, fmt.Errorf("subscribe %q: no authorizer: %w", name, ErrUnauthorized)
		}

		g, err := c.auth.Authorize(ctx, c.socketId, name)
		if err != nil {
			return nil, fmt.Errorf("subscribe %q: %w", name, err)
		}

		sub.Auth = g.Auth
		sub.ChannelData = g.ChannelData
	}

	c.channelsLock.Lock()
	if ch, ok := c.channels[name]; ok {
		c.channelsLock.Unlock()
		return ch, nil
	}
	ch := newChannel(name)
	c.channels[name] = ch
	c.channelsLock.Unlock()

	msg, err := protocol.NewMessage(protocol.EventSubscribe, "", sub)
	if err != nil {
		c.dropChannel(name)
		return nil, err
	}

	if err := c.queueMessage(ctx, msg); err != nil {
		c.dropChannel(name)
		return nil, fmt.Errorf("subscribe %q: %w", name, err)
	}

	return ch, nil
}

// Watch subscribes to channel and returns its event stream.
func (c *Client) Watch(ctx context.Context, channel string) (<-chan Event, error) {
	ch, err := c.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	return ch.Events(), nil
}

// Unsubscribe leaves channel and closes its event stream. Unknown channels
// are ignored.
func (c *Client) Unsubscribe(name string) error {
	if !c.dropChannel(name) {
		return nil
	}

	msg, err := protocol.NewMessage(protocol.EventUnsubscribe, "", protocol.Unsubscribe{Channel: name})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := c.queueMessage(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("unsubscribe %q: %w", name, err)
	}

	return nil
}

// Trigger publishes a client event to the other subscribers of channel.
func (c *Client) Trigger(ctx context.Context, channel, event string, data any) error {
	msg, err := protocol.NewMessage(event, channel, data)
	if err != nil {
		return err
	}

	if !msg.IsClientEvent() {
		return fmt.Errorf("client events must be prefixed with %q", protocol.ClientEventPrefix)
	}

	if _, ok := c.getChannel(channel); !ok {
		return fmt.Errorf("trigger: not subscribed to %q", channel)
	}

	return c.queueMessage(ctx, msg)
}

// Close disconnects from the relay and closes every channel stream.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *Client) queueMessage(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) getChannel(name string) (*Channel, bool) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	ch, ok := c.channels[name]
	return ch, ok
}

func (c *Client) dropChannel(name string) bool {
	c.channelsLock.Lock()
	ch, ok := c.channels[name]
	delete(c.channels, name)
	c.channelsLock.Unlock()

	if ok {
		ch.close()
	}

	return ok
}

func (c *Client) write() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Println("write message:", err)
				return
			}
		case <-c.stop:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) read() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("read: %v", err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	ev := Event{
		Channel: msg.Channel,
		Name:    msg.Event,
		Data:    msg.Data,
		UserId:  msg.UserId,
	}

	switch msg.Event {
	case protocol.EventPing:
		select {
		case c.send <- protocol.Pong():
		default:
		}
		return
	case protocol.EventPong:
		return
	case protocol.EventError:
		var e protocol.Error
		if err := msg.Decode(&e); err == nil {
			c.log.Printf("relay error %d: %s", e.Code, e.Message)
		}
		return
	case protocol.EventSubscriptionSucceeded:
		var succeeded protocol.SubscriptionSucceeded
		if len(msg.Data) > 0 {
			if err := msg.Decode(&succeeded); err != nil {
				c.log.Println(err)
				return
			}
		}
		ev.Kind = KindSubscriptionSucceeded
		if succeeded.Presence != nil {
			ev.Members = succeeded.Presence.Ids
		}
	case protocol.EventSubscriptionError:
		var subErr protocol.SubscriptionError
		if err := msg.Decode(&subErr); err != nil {
			c.log.Println(err)
		}
		ev.Kind = KindSubscriptionError
		ev.Status = subErr.Status
		c.log.Printf("subscription to %q refused: %s", msg.Channel, subErr.Error)

		ch, ok := c.getChannel(msg.Channel)
		if ok {
			ch.deliver(ev)
			c.dropChannel(msg.Channel)
		}
		return
	case protocol.EventMemberAdded, protocol.EventMemberRemoved:
		var member protocol.Member
		if err := msg.Decode(&member); err != nil {
			c.log.Println(err)
			return
		}
		ev.Kind = KindMemberAdded
		if msg.Event == protocol.EventMemberRemoved {
			ev.Kind = KindMemberRemoved
		}
		ev.UserId = member.UserId
	default:
		ev.Kind = KindEvent
	}

	ch, ok := c.getChannel(msg.Channel)
	if !ok {
		return
	}

	if ch.deliver(ev) {
		return
	}

	if ev.Kind != KindMemberAdded && ev.Kind != KindMemberRemoved {
		c.log.Printf("dropped %s event for %q, channel buffer full", ev.Kind, msg.Channel)
		return
	}

	// A lost membership event leaves the consumer's view wrong for good, so
	// end the stream instead and let it resubscribe for a fresh snapshot.
	c.log.Printf("dropped %s event for %q, closing its stream", ev.Kind, msg.Channel)
	if c.dropChannel(msg.Channel) {
		c.trySend(protocol.EventUnsubscribe, protocol.Unsubscribe{Channel: msg.Channel})
	}
}

// trySend queues a control message without blocking the reader.
func (c *Client) trySend(event string, payload any) {
	msg, err := protocol.NewMessage(event, "", payload)
	if err != nil {
		c.log.Println(err)
		return
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("dropped %s, send buffer full", event)
	}
}

func (c *Client) shutdown() {
	c.conn.Close()

	c.channelsLock.Lock()
	channels := c.channels
	c.channels = make(map[string]*Channel)
	c.channelsLock.Unlock()

	for _, ch := range channels {
		ch.close()
	}

	close(c.done)
}

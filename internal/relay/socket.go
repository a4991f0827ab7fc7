package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024

	// clientEventRate limits client events per socket per second.
	clientEventRate = 10
)

// Socket is one websocket connection to the relay.
type Socket struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	log     *log.Logger
	send    chan *protocol.Message
	limiter *rate.Limiter
	// channels is guarded by hub.lock.
	channels map[string]struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSocket(h *Hub, conn *websocket.Conn) *Socket {
	return &Socket{
		id:       shortid.MustGenerate(),
		conn:     conn,
		hub:      h,
		log:      h.log,
		send:     make(chan *protocol.Message, 256),
		limiter:  rate.NewLimiter(rate.Limit(clientEventRate), clientEventRate),
		channels: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

func (s *Socket) Id() string {
	return s.id
}

func (s *Socket) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-s.stop:
			s.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Socket) read() {
	defer func() {
		s.close()
		s.conn.Close()
		s.hub.removeSocket(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			return
		}

		// any frame from the client counts as activity
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Println("error parsing message:", err)
			s.queueMessage(protocol.NewError(protocol.ErrCodeInvalidMessage, "invalid message"))
			continue
		}

		s.hub.handleMessage(s, &msg)
	}
}

func (s *Socket) queueMessage(msg *protocol.Message) bool {
	select {
	case s.send <- msg:
	default:
		s.log.Printf("failed to send message to socket %s, channel is full", s.id)
		return false
	}

	return true
}

func (s *Socket) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (s *Socket) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

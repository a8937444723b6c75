package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caredial/securecall/internal/domain"
)

// reconnectSchedule is the backoff between redial attempts. The room join
// is re-sent after every successful redial before any other traffic.
var reconnectSchedule = []time.Duration{
	0,
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const (
	defaultHeartbeat = 30 * time.Second
	joinTimeout      = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the hub is unreachable.
	ErrNotConnected = errors.New("signal: not connected")

	// ErrJoinRejected means the hub refused our credentials. Fatal, never
	// retried.
	ErrJoinRejected = errors.New("signal: room join rejected")
)

// Client manages the WebSocket connection to the signaling hub. It
// reconnects automatically on transient loss and re-joins the room before
// resuming traffic. Subscribe with On before calling Connect.
type Client struct {
	ticket *domain.Ticket
	cfg    domain.SessionConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	joinCh    chan error

	handlersMu sync.RWMutex
	handlers   map[string][]func(domain.Envelope)
	fatal      func(error)
	stopped    bool

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for one call.
func NewClient(ticket *domain.Ticket, cfg domain.SessionConfig) *Client {
	return &Client{
		ticket:   ticket,
		cfg:      cfg,
		handlers: make(map[string][]func(domain.Envelope)),
		closed:   make(chan struct{}),
	}
}

// On registers a handler for a signaling message type. Handlers run on the
// read goroutine in registration order.
func (c *Client) On(msgType string, fn func(domain.Envelope)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], fn)
}

// OnFatal registers the callback invoked when the connection is lost for
// good: authentication rejected or the reconnect schedule exhausted.
func (c *Client) OnFatal(fn func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.fatal = fn
}

// Connect dials the hub, joins the room and starts the read and heartbeat
// loops. A join rejection surfaces immediately as ErrJoinRejected.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.heartbeatLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.ticket.SignalServer)
	if err != nil {
		return fmt.Errorf("parse signal server: %w", err)
	}
	u.Path = c.ticket.WebsocketPath

	log.Printf("[signal] connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	joinCh := make(chan error, 1)
	c.mu.Lock()
	c.conn = conn
	c.connected = false
	c.joinCh = joinCh
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.writeJSON(conn, domain.Envelope{
		Type:            domain.MsgJoinRoom,
		RoomID:          c.cfg.RoomID,
		UserID:          c.cfg.LocalUserID,
		DisplayName:     c.cfg.DisplayName,
		Token:           c.ticket.AccessToken,
		ClientTimestamp: time.Now().UnixMilli(),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	select {
	case err := <-joinCh:
		if err != nil {
			conn.Close()
			return err
		}
	case <-time.After(joinTimeout):
		conn.Close()
		return fmt.Errorf("room join timed out after %s", joinTimeout)
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-c.closed:
		conn.Close()
		return ErrNotConnected
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	log.Printf("[signal] joined room %s as %s", c.cfg.RoomID, c.cfg.LocalUserID)
	return nil
}

// Send transmits one envelope. RoomID, FromUserID and ClientTimestamp are
// filled in when the caller leaves them empty.
func (c *Client) Send(env domain.Envelope) error {
	if env.RoomID == "" {
		env.RoomID = c.cfg.RoomID
	}
	if env.FromUserID == "" {
		env.FromUserID = c.cfg.LocalUserID
	}
	if env.ClientTimestamp == 0 {
		env.ClientTimestamp = time.Now().UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	return c.writeJSONLocked(c.conn, env)
}

func (c *Client) writeJSON(conn *websocket.Conn, env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeJSONLocked(conn, env)
}

func (c *Client) writeJSONLocked(conn *websocket.Conn, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	log.Printf("[signal] >>> %s target=%s", env.Type, env.TargetUserID)
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops event dispatch first, then tears down the connection, so no
// handler observes the shutdown as a transient loss and triggers a
// reconnect race.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.handlersMu.Lock()
		c.stopped = true
		c.handlersMu.Unlock()

		close(c.closed)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Printf("[signal] read error: %v", err)
			c.reconnect(conn)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[signal] unmarshal error: %v", err)
			continue
		}

		log.Printf("[signal] <<< %s from=%s", env.Type, env.FromUserID)
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	switch env.Type {
	case domain.MsgRoomJoined:
		c.completeJoin(nil)
	case domain.MsgJoinRejected:
		code := -1
		if env.Code != nil {
			code = *env.Code
		}
		log.Printf("[signal] join rejected: code=%d msg=%s", code, env.Message)
		c.completeJoin(fmt.Errorf("%w: %s", ErrJoinRejected, env.Message))
		return
	}

	c.handlersMu.RLock()
	stopped := c.stopped
	fns := c.handlers[env.Type]
	c.handlersMu.RUnlock()

	if stopped {
		return
	}
	if len(fns) == 0 && env.Type != domain.MsgRoomJoined && env.Type != domain.MsgHeartbeat {
		log.Printf("[signal] unhandled message type: %s", env.Type)
	}
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) completeJoin(err error) {
	c.mu.Lock()
	ch := c.joinCh
	c.joinCh = nil
	c.mu.Unlock()

	if ch != nil {
		ch <- err
		return
	}
	// Rejection arriving outside a join attempt is still fatal.
	if err != nil {
		c.fatalErr(err)
	}
}

func (c *Client) reconnect(old *websocket.Conn) {
	c.mu.Lock()
	if c.conn != old {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn.Close()
	c.mu.Unlock()

	for attempt, delay := range reconnectSchedule {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.closed:
				return
			}
		}
		select {
		case <-c.closed:
			return
		default:
		}

		log.Printf("[signal] reconnect attempt %d/%d", attempt+1, len(reconnectSchedule))
		err := c.dial(context.Background())
		if err == nil {
			log.Printf("[signal] reconnected")
			return
		}
		if errors.Is(err, ErrJoinRejected) {
			c.fatalErr(err)
			return
		}
		log.Printf("[signal] reconnect failed: %v", err)
	}

	c.fatalErr(fmt.Errorf("signaling lost after %d reconnect attempts", len(reconnectSchedule)))
}

func (c *Client) fatalErr(err error) {
	c.handlersMu.RLock()
	fn := c.fatal
	stopped := c.stopped
	c.handlersMu.RUnlock()

	if fn != nil && !stopped {
		fn(err)
	}
}

func (c *Client) heartbeatLoop() {
	interval := defaultHeartbeat
	if c.ticket.HeartbeatInterval > 0 {
		interval = time.Duration(c.ticket.HeartbeatInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := c.Send(domain.Envelope{Type: domain.MsgHeartbeat})
			if err != nil && !errors.Is(err, ErrNotConnected) {
				// Not fatal; the read loop notices real disconnects.
				log.Printf("[signal] heartbeat error: %v", err)
			}
		}
	}
}

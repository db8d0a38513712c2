// Package client provides the Go client for the messaging channel: a
// single logical connection with automatic, bounded reconnection.
package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"proconnect/internal/chat"
)

// State is the channel's connection state. UIs render a degraded
// "Disconnected" view and disable sending whenever the channel is not
// StateConnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by command senders while the channel is
// not connected. The server would reject the command anyway; failing
// locally keeps the contract visible.
var ErrNotConnected = errors.New("channel is not connected")

// Config configures a Channel.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token is the bearer token presented at handshake time.
	Token string
	// RetryDelay is the fixed delay between reconnect attempts.
	RetryDelay time.Duration
	// MaxRetries caps automatic reconnect attempts per disconnect.
	// Once exhausted the channel stays disconnected until Connect is
	// called again with a fresh budget.
	MaxRetries int
	// OnReconnect runs after an automatic reconnect succeeds. Clients
	// use it to re-fetch the authoritative unread total, since events
	// missed while disconnected are not replayed.
	OnReconnect func()
}

// Channel is one logical client connection to the messaging server.
type Channel struct {
	cfg Config

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	state      atomic.Int32
	events     chan chat.Envelope
	done       chan struct{}
	once       sync.Once
	eventsOnce sync.Once
	wg         sync.WaitGroup
}

// New creates a disconnected Channel. Call Connect to open it.
func New(cfg Config) *Channel {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Channel{
		cfg:    cfg,
		events: make(chan chat.Envelope, 64),
		done:   make(chan struct{}),
	}
}

// Connect opens the channel. It performs a single dial; automatic
// retries only apply to reconnects after an established channel drops.
func (c *Channel) Connect() error {
	c.state.Store(int32(StateConnecting))
	conn, err := c.dial()
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := websocket.DefaultDialer.Dial(c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Events is the stream of server events. Closed when the channel closes.
func (c *Channel) Events() <-chan chat.Envelope {
	return c.events
}

// Close shuts the channel down permanently.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.state.Store(int32(StateDisconnected))
	})
	c.wg.Wait()
	c.eventsOnce.Do(func() { close(c.events) })
}

// JoinConversation marks this session as watching the conversation.
func (c *Channel) JoinConversation(conversationID int) error {
	return c.send(chat.CommandJoinConversation, chat.Command{ConversationID: conversationID})
}

// SendMessage sends a chat message over the channel.
func (c *Channel) SendMessage(conversationID int, content string) error {
	return c.send(chat.CommandSendMessage, chat.Command{ConversationID: conversationID, Content: content})
}

// TypingStart signals the start of typing in a room.
func (c *Channel) TypingStart(groupID int) error {
	return c.send(chat.CommandTypingStart, chat.Command{GroupID: groupID})
}

// TypingStop signals the end of typing in a room.
func (c *Channel) TypingStop(groupID int) error {
	return c.send(chat.CommandTypingStop, chat.Command{GroupID: groupID})
}

func (c *Channel) send(event string, cmd chat.Command) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(chat.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// reconnect retries with a fixed delay up to the configured budget.
// Exhausting the budget leaves the channel persistently disconnected;
// only a fresh Connect retries again.
func (c *Channel) reconnect() bool {
	c.state.Store(int32(StateConnecting))

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(c.cfg.RetryDelay):
		}

		conn, err := c.dial()
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.state.Store(int32(StateConnected))

		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
		return true
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
	return false
}

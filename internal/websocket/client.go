package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	closeGrace     = 500 * time.Millisecond
)

// Verifier turns a credential into a user id.
type Verifier interface {
	Verify(credential string) (string, error)
}

// UserLookup confirms a verified credential still belongs to a user.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Backlog supplies the unread notifications replayed after authentication.
type Backlog interface {
	FindUnreadRecent(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

// Client represents a single WebSocket connection and its session state.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	gw     *Gateway
	guard  *Guard
	logger *zap.Logger

	mu           sync.Mutex
	userID       string
	cancelReplay context.CancelFunc
}

func newClient(gw *Gateway, conn *ws.Conn) *Client {
	return &Client{
		hub:    gw.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		gw:     gw,
		logger: gw.logger,
	}
}

// UserID returns the user the session is bound to, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Run registers the client, arms the auth guard, starts the write pump and
// runs the read pump. It blocks until the connection is closed, then
// stops the guard, cancels any replay and leaves the hub.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.guard = NewGuard(c.gw.opts.AuthTimeout, func() {
		c.logger.Info("closing unauthenticated connection")
		c.forceClose(cancel, ws.StatusPolicyViolation, "authentication timeout")
	})
	defer c.guard.Stop()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// forceClose starts the close handshake. If the peer has not answered
// within closeGrace, stop cancels the session and the socket is dropped.
func (c *Client) forceClose(stop context.CancelFunc, code ws.StatusCode, reason string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.conn.Close(code, reason)
	}()
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Debug("peer ignored close handshake")
		stop()
	}
}

// enqueue queues data without blocking. It reports false when the buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) emit(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		c.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("client buffer full, dropping message", zap.String("event", event))
	}
}

// readPump dispatches inbound events until the connection closes.
// Frames that are not JSON envelopes are ignored.
func (c *Client) readPump(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventAuthenticate:
		var credential string
		if err := json.Unmarshal(env.Data, &credential); err != nil {
			credential = ""
		}
		c.authenticate(ctx, credential)
	case EventError:
		c.logger.Warn("client reported error", zap.String("user_id", c.UserID()), zap.ByteString("data", env.Data))
	default:
		c.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

func (c *Client) authenticate(ctx context.Context, credential string) {
	userID, err := c.gw.verifier.Verify(credential)
	if err != nil {
		c.logger.Info("socket authentication failed", zap.Error(err))
		c.emit(EventAuthenticated, AuthResult{Success: false, Error: "Authentication failed"})
		return
	}
	user, err := c.gw.users.GetByID(ctx, userID)
	if err != nil {
		c.logger.Error("load socket user", zap.String("user_id", userID), zap.Error(err))
		c.emit(EventAuthenticated, AuthResult{Success: false, Error: "Authentication failed"})
		return
	}
	if user == nil {
		c.logger.Info("socket authentication for deleted user", zap.String("user_id", userID))
		c.emit(EventAuthenticated, AuthResult{Success: false, Error: "Authentication failed"})
		return
	}

	c.mu.Lock()
	if c.userID != "" && c.userID != userID {
		c.mu.Unlock()
		c.logger.Warn("rejecting re-authentication as a different user",
			zap.String("user_id", c.userID), zap.String("attempted", userID))
		c.emit(EventAuthenticated, AuthResult{Success: false, Error: "session already bound to another user"})
		return
	}
	if !c.guard.Authenticated() {
		c.mu.Unlock()
		return
	}
	c.userID = userID
	if c.cancelReplay != nil {
		c.cancelReplay()
	}
	replayCtx, cancel := context.WithCancel(ctx)
	c.cancelReplay = cancel
	c.mu.Unlock()

	c.hub.Join(c, userID)
	c.logger.Info("socket authenticated", zap.String("user_id", userID), zap.String("room", RoomFor(userID)))
	c.emit(EventAuthenticated, AuthResult{Success: true, UserID: userID})

	go c.replayBacklog(replayCtx, userID)
}

// replayBacklog sends the newest unread notifications to this client only,
// the first immediately and each later one ReplayInterval after the previous. Cancelling ctx (disconnect
// or a newer authentication) drops whatever has not been sent yet.
func (c *Client) replayBacklog(ctx context.Context, userID string) {
	limit := c.gw.opts.ReplayLimit
	if limit <= 0 {
		return
	}
	items, err := c.gw.backlog.FindUnreadRecent(ctx, userID, limit)
	if err != nil {
		c.logger.Error("load unread notifications", zap.String("user_id", userID), zap.Error(err))
		return
	}

	var last time.Time
	for i := range items {
		if i > 0 {
			timer := time.NewTimer(time.Until(last.Add(c.gw.opts.ReplayInterval)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.emit(EventNotification, items[i])
		last = time.Now()
	}
}

// writePump owns all writes to conn: queued frames plus a keepalive ping.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

package websocket

import (
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"go.uber.org/zap"
)

type Options struct {
	// AuthTimeout is how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// ReplayLimit caps the unread notifications sent after authentication.
	ReplayLimit int
	// ReplayInterval spaces replayed notifications.
	ReplayInterval time.Duration
	// OriginPatterns lists the browser origins allowed to connect.
	OriginPatterns []string
}

// DefaultOptions gives sessions 30 seconds to authenticate and replays up
// to five unread notifications 300ms apart.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:    30 * time.Second,
		ReplayLimit:    5,
		ReplayInterval: 300 * time.Millisecond,
	}
}

// Gateway upgrades HTTP requests to WebSocket sessions.
type Gateway struct {
	hub      *Hub
	verifier Verifier
	users    UserLookup
	backlog  Backlog
	opts     Options
	logger   *zap.Logger
}

// NewGateway fills zero fields of opts from DefaultOptions.
func NewGateway(hub *Hub, verifier Verifier, users UserLookup, backlog Backlog, opts Options, logger *zap.Logger) *Gateway {
	def := DefaultOptions()
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = def.AuthTimeout
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = def.ReplayLimit
	}
	if opts.ReplayInterval < 0 {
		opts.ReplayInterval = def.ReplayInterval
	}
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		users:    users,
		backlog:  backlog,
		opts:     opts,
		logger:   logger,
	}
}

// ServeHTTP accepts the connection and runs it as a hub client until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: g.opts.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	g.logger.Debug("socket connected", zap.String("remote", r.RemoteAddr))
	newClient(g, conn).Run(r.Context())
	g.logger.Debug("socket disconnected", zap.String("remote", r.RemoteAddr))
}

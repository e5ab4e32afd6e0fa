package wshub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coderoom/internal/broadcast"
	"coderoom/internal/events"
	"coderoom/internal/logger"
	"coderoom/internal/metrics"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait          = 10 * time.Second
	pingPeriod         = 30 * time.Second
	maxMessageSize     = 1024 * 1024
	maxRateViolations  = 1000
	rateWarnEvery      = 100
	disconnectDeadline = 10 * time.Second
)

// Dispatcher receives every decoded command read from a connection.
type Dispatcher interface {
	Handle(ctx context.Context, connID string, cmd events.Command) error
}

type Options struct {
	MessagesPerSecond int
	MessageBurst      int
	OriginPatterns    []string
}

// Client represents a single WebSocket connection in the hub.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Send    <-chan []byte
	limiter *rate.Limiter
}

// WritePump drains the Send channel onto the connection and keeps it alive
// with pings. It closes the connection when a write fails.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.Conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.Conn.CloseNow()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.Conn.Ping(pctx)
			cancel()
			if err != nil {
				c.Conn.CloseNow()
				return
			}
		}
	}
}

// Hub accepts WebSocket connections, feeds their frames to the dispatcher
// and wires their outbound queue to the broadcast hub.
type Hub struct {
	bc       *broadcast.Hub
	dispatch Dispatcher
	metrics  *metrics.Metrics
	opts     Options
	log      zerolog.Logger
}

func NewHub(bc *broadcast.Hub, d Dispatcher, m *metrics.Metrics, opts Options) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = opts.MessagesPerSecond * 2
	}
	return &Hub{
		bc:       bc,
		dispatch: d,
		metrics:  m,
		opts:     opts,
		log:      logger.For("wshub"),
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	c := &Client{
		ID:      id,
		Conn:    conn,
		Send:    h.bc.Subscribe(id),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.MessageBurst),
	}
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	h.log.Debug().Str("conn", id).Str("remote", r.RemoteAddr).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	go c.WritePump(ctx)

	status := h.readPump(ctx, c)
	cancel()

	// the request context may already be gone, the leave must still run
	dctx, dcancel := context.WithTimeout(context.Background(), disconnectDeadline)
	if err := h.dispatch.Handle(dctx, id, events.Disconnect{}); err != nil {
		h.log.Debug().Err(err).Str("conn", id).Msg("disconnect not completed")
	}
	dcancel()

	h.bc.Unsubscribe(id)
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
	conn.Close(status, "")
	h.log.Debug().Str("conn", id).Msg("client disconnected")
}

// readPump reads frames until the connection fails and returns the close
// status to send back.
func (h *Hub) readPump(ctx context.Context, c *Client) websocket.StatusCode {
	violations := 0
	for {
		_, data, err := c.Conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					h.log.Debug().Err(err).Str("conn", c.ID).Msg("read failed")
				}
			}
			return websocket.StatusNormalClosure
		}

		if !c.limiter.Allow() {
			violations++
			if violations%rateWarnEvery == 1 {
				h.log.Warn().Str("conn", c.ID).Int("violations", violations).Msg("rate limit exceeded")
			}
			if violations > maxRateViolations {
				h.log.Warn().Str("conn", c.ID).Msg("disconnecting client for excessive rate limit violations")
				return websocket.StatusPolicyViolation
			}
			continue
		}

		cmd, err := events.Decode(data)
		if err != nil {
			h.bc.Send(c.ID, events.Error(err.Error()))
			continue
		}
		if err := h.dispatch.Handle(ctx, c.ID, cmd); err != nil {
			h.log.Debug().Err(err).Str("conn", c.ID).Str("event", cmd.Name()).Msg("event not completed")
		}
	}
}

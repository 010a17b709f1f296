package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/internal/realtime"
	"github.com/angelmondragon/ordertrack/pkg/config"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
)

const (
	// Time allowed to write a frame to the feed.
	writeWait = 10 * time.Second

	defaultPingPeriod = 54 * time.Second

	maxMessageSize = 64 * 1024
)

var errConnClosed = errors.New("websocket connection closed")

// Session supplies the bearer token for the upgrade request.
type Session interface {
	Token() (string, error)
	MarkUnauthorized(reason string)
}

// Transport dials the order-status websocket feed.
type Transport struct {
	url        string
	dialer     *websocket.Dialer
	pingPeriod time.Duration
	session    Session
	logg       *logger.Logger
}

// New builds a websocket transport from the realtime config.
func New(cfg config.RealtimeConfig, session Session, logg *logger.Logger) (*Transport, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("realtime url is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &Transport{
		url:        url,
		dialer:     &dialer,
		pingPeriod: pingPeriod,
		session:    session,
		logg:       logg,
	}, nil
}

// Dial opens the socket and starts its read and ping pumps.
func (t *Transport) Dial(ctx context.Context) (realtime.Conn, error) {
	header := http.Header{}
	if t.session != nil {
		token, err := t.session.Token()
		if err != nil {
			return nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if t.session != nil {
				t.session.MarkUnauthorized("realtime feed rejected session")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "realtime handshake rejected")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "realtime handshake failed")
	}

	c := &conn{
		ws:       ws,
		logg:     t.logg,
		ctx:      context.WithoutCancel(ctx),
		updates:  make(chan orders.StatusUpdate),
		dead:     make(chan struct{}),
		done:     make(chan struct{}),
		pongWait: (t.pingPeriod * 10) / 9,
	}
	go c.readPump()
	go c.pingPump(t.pingPeriod)
	return c, nil
}

type conn struct {
	ws       *websocket.Conn
	logg     *logger.Logger
	ctx      context.Context
	pongWait time.Duration

	writeMu sync.Mutex

	updates chan orders.StatusUpdate

	deadOnce sync.Once
	dead     chan struct{}
	err      error

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) Send(_ context.Context, msg realtime.Outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *conn) Receive(ctx context.Context) (orders.StatusUpdate, error) {
	select {
	case update := <-c.updates:
		return update, nil
	case <-c.dead:
		return orders.StatusUpdate{}, c.err
	case <-ctx.Done():
		return orders.StatusUpdate{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) fail(err error) {
	c.deadOnce.Do(func() {
		c.err = err
		close(c.dead)
	})
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.fail(errConnClosed)
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logg.Warn(c.ctx, "realtime feed closed unexpectedly: "+err.Error())
				}
				c.fail(err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		update, ok, err := realtime.DecodeStatusUpdate(raw)
		if err != nil {
			c.logg.Warn(c.ctx, "dropping undecodable realtime frame: "+err.Error())
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.updates <- update:
		case <-c.done:
			c.fail(errConnClosed)
			return
		}
	}
}

func (c *conn) pingPump(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.dead:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/util"
)

var log = logging.Logger("signal")

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Client is the websocket-backed Channel implementation. It dials url and
// keeps redialing with exponential backoff until Close is called.
type Client struct {
	url string
	reg *registry

	connected atomic.Bool

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (events and pings)
	conn    *websocket.Conn
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

var _ Channel = (*Client)(nil)

// NewClient creates a client for the relay websocket endpoint at url
// (e.g. "ws://relay.example:8787/ws"). Call Start to begin connecting.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		reg:  newRegistry(),
		done: make(chan struct{}),
	}
}

// Start launches the connect/read loop. Safe to call once.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	go c.run(ctx)
}

// Close stops reconnecting and drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
	return nil
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Subscribe registers h for event. Registrations survive reconnects.
func (c *Client) Subscribe(event string, h Handler) *Subscription {
	return c.reg.subscribe(event, h)
}

// OnConnect registers fn to run after every successful (re)connect.
func (c *Client) OnConnect(fn func()) *Subscription {
	return c.reg.onConnectHook(fn)
}

// OnDisconnect registers fn to run when the connection drops.
func (c *Client) OnDisconnect(fn func(err error)) *Subscription {
	return c.reg.onDisconnectHook(fn)
}

// Emit sends one event frame. Dropped with a debug log while disconnected.
func (c *Client) Emit(event string, payload any) error {
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		log.Debugf("emit %s dropped: not connected", event)
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.Debugf("emit %s failed: %v", event, err)
		return err
	}
	return nil
}

// run dials, reads until the connection dies, then redials with backoff.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Debugf("dial %s: %v (retry in %v)", c.url, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)
		log.Infof("connected to %s", c.url)

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		pingCtx, pingCancel := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)

		c.reg.fireConnect()

		readErr := c.readLoop(conn)
		pingCancel()

		c.connected.Store(false)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		log.Warnf("disconnected: %v", readErr)
		c.reg.fireDisconnect(readErr)
	}
}

// readLoop decodes frames and dispatches handlers sequentially, preserving
// the run-to-completion event model.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Event == "" {
			continue
		}
		data := msg.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		c.reg.dispatch(msg.Event, data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.DefaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

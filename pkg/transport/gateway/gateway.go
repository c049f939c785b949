// Package gateway provides a [transport.Transport] that joins audio channels
// through a media gateway reachable over a WebSocket signaling connection.
//
// The gateway owns the actual media session. This package only speaks its
// small JSON control protocol:
//
//	client → gateway  {"type":"join","channel":"demo","token":"…","uid":42}
//	gateway → client  {"type":"state","state":"connected","reason":""}
//	client → gateway  {"type":"leave"}
//
// One WebSocket carries exactly one channel membership.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/transport"
)

// leaveTimeout bounds the leave message write on shutdown.
const leaveTimeout = 2 * time.Second

// Ensure Transport implements transport.Transport at compile time.
var _ transport.Transport = (*Transport)(nil)

// Transport dials the gateway once per Join.
type Transport struct {
	url    string
	apiKey string
	client *http.Client
}

// Option is a functional option for Transport.
type Option func(*Transport)

// WithAPIKey sends key as a bearer token on the WebSocket handshake.
func WithAPIKey(key string) Option {
	return func(t *Transport) { t.apiKey = key }
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// New creates a Transport for the gateway signaling URL (ws:// or wss://).
func New(url string, opts ...Option) (*Transport, error) {
	if url == "" {
		return nil, fault.Configuration("gateway.new", "url must not be empty")
	}
	t := &Transport{url: url}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// message is the gateway control frame.
type message struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Token   string `json:"token,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Join implements transport.Transport.
func (t *Transport) Join(ctx context.Context, channel, token string, uid uint32) (transport.Connection, error) {
	const op = "gateway.join"

	opts := &websocket.DialOptions{HTTPClient: t.client}
	if t.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.apiKey}}
	}
	ws, resp, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		if resp != nil {
			if fe := fault.FromStatus(op, resp.StatusCode, ""); fe != nil {
				return nil, fmt.Errorf("%w: %w", fe, err)
			}
		}
		return nil, fault.Classify(op, err)
	}

	if err := wsjson.Write(ctx, ws, message{Type: "join", Channel: channel, Token: token, UID: uid}); err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fault.Classify(op, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		channel: channel,
		uid:     uid,
		state:   transport.StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// conn is one gateway channel membership. It implements transport.Connection.
type conn struct {
	ws      *websocket.Conn
	channel string
	uid     uint32

	mu    sync.Mutex
	state transport.ConnectionState
	cb    func(transport.StateChange)

	cancel    context.CancelFunc
	done      chan struct{}
	leaveOnce sync.Once
	left      bool
}

// OnStateChange registers cb. A state reached before registration is
// replayed to cb once, so a fast connect is never missed.
func (c *conn) OnStateChange(cb func(transport.StateChange)) {
	c.mu.Lock()
	c.cb = cb
	st := c.state
	c.mu.Unlock()
	if cb != nil && st != transport.StateConnecting {
		cb(transport.StateChange{Channel: c.channel, UID: c.uid, State: st, Reason: "replay"})
	}
}

func (c *conn) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Leave sends a leave frame and closes the socket.
func (c *conn) Leave() error {
	var err error
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.left = true
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if werr := wsjson.Write(ctx, c.ws, message{Type: "leave"}); werr != nil {
			err = fmt.Errorf("gateway: send leave: %w", werr)
		}
		c.ws.Close(websocket.StatusNormalClosure, "leave")
		c.cancel()
		<-c.done
		c.set(transport.StateDisconnected, "left")
	})
	return err
}

// readLoop dispatches state frames until the socket closes. A socket that
// closes without Leave is reported as disconnected.
func (c *conn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		var m message
		if err := wsjson.Read(ctx, c.ws, &m); err != nil {
			c.mu.Lock()
			left := c.left
			c.mu.Unlock()
			if !left {
				reason := "connection closed"
				if status := websocket.CloseStatus(err); status != -1 {
					reason = fmt.Sprintf("closed by gateway (%d)", status)
				} else if !errors.Is(err, context.Canceled) {
					slog.Warn("gateway: read failed", "channel", c.channel, "err", err)
				}
				c.set(transport.StateDisconnected, reason)
			}
			return
		}
		if m.Type != "state" {
			continue
		}
		st, err := transport.ParseState(m.State)
		if err != nil {
			slog.Warn("gateway: ignoring frame", "channel", c.channel, "err", err)
			continue
		}
		c.set(st, m.Reason)
	}
}

// set records the state and notifies the callback when it changed.
func (c *conn) set(st transport.ConnectionState, reason string) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(transport.StateChange{Channel: c.channel, UID: c.uid, State: st, Reason: reason})
	}
}

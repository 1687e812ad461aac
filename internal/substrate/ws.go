package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"
)

// WSConfig configures WebSocket transport behavior.
type WSConfig struct {
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages; pongs extend it.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscriptionBuffer is the per-subscription notification buffer.
	SubscriptionBuffer int
	// Logger defaults to a no-op logger.
	Logger log.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        90 * time.Second,
		WriteTimeout:       10 * time.Second,
		SubscriptionBuffer: 64,
	}
}

// WSConn implements Conn over gorilla/websocket.
//
// It never reconnects: when the socket drops, Done is closed, in-flight calls
// fail with ErrClosed and every subscription stream ends. Callers that need
// failover open a new connection.
type WSConn struct {
	endpoint string
	config   WSConfig
	logger   log.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	requestID atomic.Uint64

	mu      sync.Mutex
	closed  bool
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription

	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// pendingCall waits for the response to one request. When sub is set the read
// loop registers it under the returned id before the caller sees the response,
// so no early notification is lost.
type pendingCall struct {
	ch  chan rpcMessage
	sub *Subscription
}

var _ Conn = (*WSConn)(nil)

// DialWS connects to a WebSocket endpoint.
func DialWS(ctx context.Context, endpoint string, config *WSConfig) (*WSConn, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	c := &WSConn{
		endpoint: endpoint,
		config:   cfg,
		logger:   cfg.Logger.With("endpoint", endpoint),
		conn:     conn,
		pending:  make(map[uint64]*pendingCall),
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Endpoint returns the endpoint address.
func (c *WSConn) Endpoint() string { return c.endpoint }

// Done is closed when the socket drops or Close is called.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Call performs a JSON-RPC request and waits for its response.
func (c *WSConn) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	msg, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if result != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Subscribe opens a subscription and returns its notification stream.
func (c *WSConn) Subscribe(ctx context.Context, method string, params []interface{}, unsubscribeMethod string) (*Subscription, error) {
	sub := NewSubscription(c.config.SubscriptionBuffer, func(id string) {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		if unsubscribeMethod == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
		defer cancel()
		_ = c.Call(ctx, unsubscribeMethod, []interface{}{id}, nil)
	})

	if _, err := c.roundTrip(ctx, method, params, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *WSConn) roundTrip(ctx context.Context, method string, params []interface{}, sub *Subscription) (rpcMessage, error) {
	reqID := c.requestID.Add(1)
	pc := &pendingCall{ch: make(chan rpcMessage, 1), sub: sub}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcMessage{}, ErrClosed
	}
	c.pending[reqID] = pc
	c.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  normalizeParams(params),
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(reqID)
		return rpcMessage{}, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg, ok := <-pc.ch:
		if !ok {
			return rpcMessage{}, ErrClosed
		}
		if msg.Error != nil {
			return rpcMessage{}, msg.Error
		}
		return msg, nil
	case <-ctx.Done():
		c.dropPending(reqID)
		return rpcMessage{}, ctx.Err()
	}
}

func (c *WSConn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the WebSocket connection and waits for background loops.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// readLoop reads frames until the socket fails, then tears the connection down.
func (c *WSConn) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// shutdown marks the connection closed, fails pending calls and ends
// subscription streams. Runs once on the read loop.
func (c *WSConn) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]*pendingCall)
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()

	for _, pc := range pending {
		close(pc.ch)
	}
	for _, sub := range subs {
		sub.End()
	}
}

// handleMessage routes a frame to its pending call or subscription.
func (c *WSConn) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		pc, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
			if pc.sub != nil && msg.Error == nil {
				id := subscriptionID(msg.Result)
				pc.sub.SetID(id)
				c.subs[id] = pc.sub
			}
		}
		c.mu.Unlock()
		if ok {
			pc.ch <- msg
		}
		return
	}

	if msg.Method == "" || msg.Params == nil {
		return
	}

	id := subscriptionID(msg.Params.Subscription)
	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("notification for unknown subscription", "method", msg.Method, "subscription", id)
		return
	}
	sub.Deliver(msg.Params.Result, c.quit)
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *WSConn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// Read loop observes the broken socket and shuts down.
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

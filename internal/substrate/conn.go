// Package substrate is a JSON-RPC client for Substrate-based ledgers.
package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
)

// Errors
var (
	ErrClosed                   = errors.New("substrate: connection closed")
	ErrSubscriptionsUnsupported = errors.New("substrate: transport does not support subscriptions")
	ErrUnsupportedScheme        = errors.New("substrate: unsupported endpoint scheme")
)

// Conn is a JSON-RPC 2.0 transport bound to one endpoint.
type Conn interface {
	// Call invokes method and decodes the result into result (may be nil).
	Call(ctx context.Context, method string, params []interface{}, result interface{}) error

	// Subscribe opens a subscription. unsubscribeMethod is called on Unsubscribe.
	Subscribe(ctx context.Context, method string, params []interface{}, unsubscribeMethod string) (*Subscription, error)

	// Endpoint returns the address this connection was opened against.
	Endpoint() string

	// Done is closed when the connection drops or is closed.
	Done() <-chan struct{}

	// Close closes the connection.
	Close() error
}

// RPCError is a JSON-RPC 2.0 error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("RPC error %d: %s: %s", e.Code, e.Message, strings.Trim(string(e.Data), `"`))
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Subscription delivers raw notification payloads for one subscription id.
// The channel is closed when the underlying connection goes away.
type Subscription struct {
	id          string
	ch          chan json.RawMessage
	done        chan struct{}
	once        sync.Once
	unsubscribe func(id string)
}

// NewSubscription creates a subscription whose notifications are fed by the transport.
// Exposed for alternative transports and test doubles.
func NewSubscription(buffer int, unsubscribe func(id string)) *Subscription {
	return &Subscription{
		ch:          make(chan json.RawMessage, buffer),
		done:        make(chan struct{}),
		unsubscribe: unsubscribe,
	}
}

// ID returns the node-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// SetID sets the node-assigned id. Transports call it before the first notification.
func (s *Subscription) SetID(id string) { s.id = id }

// Notifications returns the notification stream.
func (s *Subscription) Notifications() <-chan json.RawMessage { return s.ch }

// Deliver pushes a notification, blocking until it is consumed, the
// subscription is cancelled or stop is closed. Returns false if not delivered.
func (s *Subscription) Deliver(data json.RawMessage, stop <-chan struct{}) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- data:
		return true
	case <-s.done:
		return false
	case <-stop:
		return false
	}
}

// End closes the notification stream. Only the delivering transport calls it.
func (s *Subscription) End() {
	close(s.ch)
}

// Unsubscribe cancels the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe(s.id)
		}
	})
}

// DialOptions configures Dial.
type DialOptions struct {
	// ConnectTimeout bounds the transport handshake. Default 10s.
	ConnectTimeout time.Duration
	// WS configures WebSocket transports. Zero value uses DefaultWSConfig.
	WS *WSConfig
	// HTTP configures HTTP transports.
	HTTP []HTTPOption
	// Logger defaults to a no-op logger.
	Logger log.Logger
}

// Dial opens a transport for endpoint, choosing WebSocket or HTTP by URL scheme.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		cfg := DefaultWSConfig()
		if opts.WS != nil {
			cfg = *opts.WS
		}
		cfg.HandshakeTimeout = opts.ConnectTimeout
		cfg.Logger = opts.Logger
		return DialWS(ctx, endpoint, &cfg)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		httpOpts := append([]HTTPOption{WithTimeout(opts.ConnectTimeout)}, opts.HTTP...)
		return NewHTTPConn(endpoint, httpOpts...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, endpoint)
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcMessage is any inbound JSON-RPC 2.0 frame: a response or a notification.
type rpcMessage struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      *uint64            `json:"id,omitempty"`
	Method  string             `json:"method,omitempty"`
	Params  *notificationParam `json:"params,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *RPCError          `json:"error,omitempty"`
}

type notificationParam struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// subscriptionID normalizes string and numeric subscription ids.
func subscriptionID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func normalizeParams(params []interface{}) []interface{} {
	if params == nil {
		return []interface{}{}
	}
	return params
}

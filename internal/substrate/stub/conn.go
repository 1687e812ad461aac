package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dotbot-exec/internal/substrate"
)

// Handler answers one RPC call. The returned value is JSON round-tripped into
// the caller's result, as a real node response would be.
type Handler func(params []interface{}) (interface{}, error)

// SubscribeHandler drives one subscription. emit delivers a notification and
// returns false once the subscriber or connection is gone.
type SubscribeHandler func(params []interface{}, emit func(v interface{}) bool) error

// Conn implements substrate.Conn for testing.
type Conn struct {
	endpoint string

	mu         sync.Mutex
	handlers   map[string]Handler
	subHandler map[string]SubscribeHandler
	calls      map[string]int
	subs       []*substrate.Subscription
	nextSub    int
	noSubs     bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ substrate.Conn = (*Conn)(nil)

// New creates a stub connection for endpoint.
func New(endpoint string) *Conn {
	return &Conn{
		endpoint:   endpoint,
		handlers:   make(map[string]Handler),
		subHandler: make(map[string]SubscribeHandler),
		calls:      make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Handle registers a handler for method.
func (c *Conn) Handle(method string, h Handler) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
	return c
}

// Respond registers a static result for method.
func (c *Conn) Respond(method string, result interface{}) *Conn {
	return c.Handle(method, func([]interface{}) (interface{}, error) { return result, nil })
}

// Fail makes method return err.
func (c *Conn) Fail(method string, err error) *Conn {
	return c.Handle(method, func([]interface{}) (interface{}, error) { return nil, err })
}

// HandleSubscribe registers a subscription driver for method.
func (c *Conn) HandleSubscribe(method string, h SubscribeHandler) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subHandler[method] = h
	return c
}

// WithoutSubscriptions makes Subscribe behave like an HTTP transport.
func (c *Conn) WithoutSubscriptions() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSubs = true
	return c
}

// Calls returns how many times method was called or subscribed.
func (c *Conn) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Endpoint returns the endpoint address.
func (c *Conn) Endpoint() string { return c.endpoint }

// Done is closed by Close or Drop.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Call dispatches to the registered handler.
func (c *Conn) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return substrate.ErrClosed
	default:
	}

	c.mu.Lock()
	h, ok := c.handlers[method]
	c.calls[method]++
	c.mu.Unlock()
	if !ok {
		return &substrate.RPCError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", method)}
	}

	v, err := h(params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stub marshal %s: %w", method, err)
	}
	return json.Unmarshal(data, result)
}

// Subscribe starts the registered subscription driver on its own goroutine.
func (c *Conn) Subscribe(ctx context.Context, method string, params []interface{}, _ string) (*substrate.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, substrate.ErrClosed
	default:
	}
	if c.noSubs {
		c.mu.Unlock()
		return nil, substrate.ErrSubscriptionsUnsupported
	}
	h, ok := c.subHandler[method]
	c.calls[method]++
	if !ok {
		c.mu.Unlock()
		return nil, &substrate.RPCError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", method)}
	}
	c.nextSub++
	sub := substrate.NewSubscription(16, nil)
	sub.SetID(fmt.Sprintf("stub-%d", c.nextSub))
	c.subs = append(c.subs, sub)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = h(params, func(v interface{}) bool {
			data, err := json.Marshal(v)
			if err != nil {
				return false
			}
			return sub.Deliver(data, c.done)
		})
	}()
	return sub, nil
}

// Drop simulates the remote side going away.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, sub := range subs {
			sub.End()
		}
	})
}

// Close closes the stub connection.
func (c *Conn) Close() error {
	c.Drop()
	return nil
}

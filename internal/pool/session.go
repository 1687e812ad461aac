package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
)

// ExecutionSession is one connection and one schema snapshot bound to the
// lifecycle of a single transaction or batch. Endpoint and Schema never change.
type ExecutionSession interface {
	ID() string
	Endpoint() string
	Schema() domain.SchemaIdentity
	Client() *substrate.Client
	IsActive() bool
	// Done is closed once the session becomes inactive.
	Done() <-chan struct{}
	// AssertSameSchema fails with CROSS_SESSION_PAYLOAD when v was built under
	// a different schema identity.
	AssertSameSchema(v domain.SchemaBound) error
	// ModuleErrors names module errors of the session's runtime.
	ModuleErrors() scale.ModuleErrorResolver
	Release()
}

// Session is the pool's ExecutionSession. All fields are set at creation and
// only the active flag changes afterwards.
type Session struct {
	id       string
	endpoint string
	schema   domain.SchemaIdentity
	client   *substrate.Client
	errors   *scale.ModuleErrors

	active    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(s *Session, released bool)
}

var _ ExecutionSession = (*Session)(nil)

func newSession(id string, h *Handle, onClose func(*Session, bool)) *Session {
	s := &Session{
		id:       id,
		endpoint: h.client.Endpoint(),
		schema:   h.schema,
		client:   h.client,
		errors:   h.moduleErrors,
		done:     make(chan struct{}),
		onClose:  onClose,
	}
	s.active.Store(true)
	go s.watch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Endpoint returns the endpoint the session is bound to.
func (s *Session) Endpoint() string { return s.endpoint }

// Schema returns the schema identity negotiated at creation.
func (s *Session) Schema() domain.SchemaIdentity { return s.schema }

// Client returns the RPC client of the session's connection.
func (s *Session) Client() *substrate.Client { return s.client }

// IsActive reports whether the session may still be used.
func (s *Session) IsActive() bool { return s.active.Load() }

// Done is closed once the session becomes inactive.
func (s *Session) Done() <-chan struct{} { return s.done }

// AssertSameSchema implements ExecutionSession.
func (s *Session) AssertSameSchema(v domain.SchemaBound) error {
	got := v.SchemaIdentity()
	if got.Equal(s.schema) {
		return nil
	}
	return domain.NewError(domain.CodeCrossSessionPayload,
		fmt.Sprintf("payload built under schema %s cannot be used with session %s (schema %s, endpoint %s)",
			got, s.id, s.schema, s.endpoint), nil)
}

// ModuleErrors implements ExecutionSession. Unknown errors stay unresolved
// when the runtime metadata could not be decoded.
func (s *Session) ModuleErrors() scale.ModuleErrorResolver { return s.errors.Resolve }

// Release closes the connection and deactivates the session. Idempotent.
func (s *Session) Release() {
	s.deactivate(true)
}

func (s *Session) watch() {
	select {
	case <-s.client.Done():
		s.deactivate(false)
	case <-s.done:
	}
}

func (s *Session) deactivate(released bool) {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		close(s.done)
		_ = s.client.Close()
		if s.onClose != nil {
			s.onClose(s, released)
		}
	})
}

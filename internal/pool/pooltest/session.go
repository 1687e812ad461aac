// Package pooltest provides an in-memory ExecutionSession for tests.
package pooltest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
	"dotbot-exec/internal/substrate/stub"
)

// Session implements pool.ExecutionSession over any substrate.Conn.
type Session struct {
	id     string
	schema domain.SchemaIdentity
	client *substrate.Client
	errors *scale.ModuleErrors

	active   atomic.Bool
	done     chan struct{}
	once     sync.Once
	released atomic.Bool
}

var _ pool.ExecutionSession = (*Session)(nil)

// NewSession wraps conn with a fixed schema. The session goes inactive when
// conn is dropped or the session is released.
func NewSession(conn substrate.Conn, schema domain.SchemaIdentity) *Session {
	s := &Session{
		id:     uuid.NewString(),
		schema: schema,
		client: substrate.NewClient(conn),
		done:   make(chan struct{}),
	}
	s.active.Store(true)
	go func() {
		select {
		case <-conn.Done():
			s.deactivate()
		case <-s.done:
		}
	}()
	return s
}

// Schema returns a schema identity for a stub node with a fresh registry id.
func Schema() domain.SchemaIdentity {
	return domain.SchemaIdentity{
		RegistryID:         uuid.NewString(),
		GenesisHash:        stub.DefaultGenesis,
		SpecName:           "polkadot",
		SpecVersion:        1_003_000,
		TransactionVersion: 26,
		MetadataHash:       "0x" + fmt.Sprintf("%064x", 1),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Endpoint() string { return s.client.Endpoint() }
func (s *Session) Schema() domain.SchemaIdentity { return s.schema }
func (s *Session) Client() *substrate.Client { return s.client }
func (s *Session) IsActive() bool { return s.active.Load() }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) Released() bool { return s.released.Load() }

// AssertSameSchema implements pool.ExecutionSession.
func (s *Session) AssertSameSchema(v domain.SchemaBound) error {
	if v.SchemaIdentity().Equal(s.schema) {
		return nil
	}
	return domain.NewError(domain.CodeCrossSessionPayload,
		fmt.Sprintf("payload schema %s does not match session schema %s", v.SchemaIdentity(), s.schema), nil)
}

// WithModuleErrors sets the module error names the session resolves.
func (s *Session) WithModuleErrors(m *scale.ModuleErrors) *Session {
	s.errors = m
	return s
}

// ModuleErrors implements pool.ExecutionSession.
func (s *Session) ModuleErrors() scale.ModuleErrorResolver { return s.errors.Resolve }

// Release implements pool.ExecutionSession.
func (s *Session) Release() {
	s.released.Store(true)
	s.deactivate()
}

func (s *Session) deactivate() {
	s.once.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

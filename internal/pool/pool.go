// Package pool opens connections to ledger endpoints in health order and hands
// out read handles and execution sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/endpoint"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
)

// Defaults.
const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultNegotiationTimeout = 20 * time.Second
)

// Dialer opens a transport to an endpoint.
type Dialer func(ctx context.Context, endpoint string) (substrate.Conn, error)

// DefaultDialer dials with substrate.Dial and the given logger.
func DefaultDialer(logger log.Logger) Dialer {
	return func(ctx context.Context, ep string) (substrate.Conn, error) {
		return substrate.Dial(ctx, ep, substrate.DialOptions{Logger: logger})
	}
}

// Options contains configuration for creating a Pool.
type Options struct {
	Registry *endpoint.Registry
	Dialer   Dialer // Default: DefaultDialer

	// ConnectTimeout bounds opening the transport. Default: 10s.
	ConnectTimeout time.Duration
	// NegotiationTimeout bounds reading the schema identity. Default: 20s.
	NegotiationTimeout time.Duration

	Metrics *observability.Metrics
	Logger  log.Logger
}

// Handle is a connection with its negotiated schema identity.
type Handle struct {
	client       *substrate.Client
	schema       domain.SchemaIdentity
	moduleErrors *scale.ModuleErrors
}

// Client returns the RPC client.
func (h *Handle) Client() *substrate.Client { return h.client }

// Schema returns the negotiated schema identity.
func (h *Handle) Schema() domain.SchemaIdentity { return h.schema }

// Endpoint returns the endpoint address.
func (h *Handle) Endpoint() string { return h.client.Endpoint() }

func (h *Handle) connected() bool {
	select {
	case <-h.client.Done():
		return false
	default:
		return true
	}
}

// Pool acquires connections for one endpoint group.
type Pool struct {
	registry           *endpoint.Registry
	dial               Dialer
	connectTimeout     time.Duration
	negotiationTimeout time.Duration
	metrics            *observability.Metrics
	logger             log.Logger

	readMu sync.Mutex
	read   *Handle

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a pool over registry's endpoints.
func New(opts Options) (*Pool, error) {
	if opts.Registry == nil {
		return nil, errors.New("pool: registry is required")
	}

	logger := logging.Subsystem(opts.Logger, logging.SubsystemPool)

	dial := opts.Dialer
	if dial == nil {
		dial = DefaultDialer(opts.Logger)
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}

	negotiationTimeout := opts.NegotiationTimeout
	if negotiationTimeout == 0 {
		negotiationTimeout = DefaultNegotiationTimeout
	}

	return &Pool{
		registry:           opts.Registry,
		dial:               dial,
		connectTimeout:     connectTimeout,
		negotiationTimeout: negotiationTimeout,
		metrics:            opts.Metrics,
		logger:             logger,
		sessions:           make(map[string]*Session),
	}, nil
}

// Registry returns the health registry the pool reports to.
func (p *Pool) Registry() *endpoint.Registry {
	return p.registry
}

// GetReadHandle returns the shared read handle, reconnecting through the
// candidate list when the current one is gone.
func (p *Pool) GetReadHandle(ctx context.Context) (*Handle, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.isClosed() {
		return nil, substrate.ErrClosed
	}
	if p.read != nil && p.read.connected() {
		return p.read, nil
	}
	if p.read != nil {
		p.logger.Info("read handle disconnected, failing over", "endpoint", p.read.Endpoint())
		_ = p.read.client.Close()
		p.read = nil
	}

	h, err := p.connectAny(ctx, "read")
	if err != nil {
		return nil, err
	}
	p.read = h
	return h, nil
}

// CreateExecutionSession connects to the best available endpoint and returns
// a session bound to it. The caller owns the session and must Release it.
func (p *Pool) CreateExecutionSession(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, substrate.ErrClosed
	}

	h, err := p.connectAny(ctx, "session")
	if err != nil {
		return nil, err
	}

	s := newSession(uuid.NewString(), h, p.sessionClosed)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Release()
		return nil, substrate.ErrClosed
	}
	if s.IsActive() {
		p.sessions[s.ID()] = s
	}
	n := len(p.sessions)
	p.mu.Unlock()

	p.metrics.SetActiveSessions(n)
	p.logger.Info("execution session created", "session", s.ID(), "endpoint", s.Endpoint(), "schema", s.Schema().String())
	return s, nil
}

func (p *Pool) sessionClosed(s *Session, released bool) {
	p.mu.Lock()
	delete(p.sessions, s.ID())
	n := len(p.sessions)
	p.mu.Unlock()

	p.metrics.SetActiveSessions(n)
	if released {
		p.logger.Debug("execution session released", "session", s.ID())
		return
	}
	p.logger.Warn("execution session disconnected", "session", s.ID(), "endpoint", s.Endpoint())
}

// ActiveSessions returns the number of active execution sessions.
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close releases every session and the read handle.
func (p *Pool) Close() error {
	p.readMu.Lock()
	read := p.read
	p.read = nil
	p.readMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}
	if read != nil {
		return read.client.Close()
	}
	return nil
}

// connectAny walks the ordered candidates and returns the first endpoint that
// connects and negotiates. Every attempt is recorded in the registry.
func (p *Pool) connectAny(ctx context.Context, mode string) (*Handle, error) {
	candidates := p.registry.OrderedCandidates()
	if len(candidates) == 0 {
		return nil, domain.NewError(domain.CodeEndpointUnavailable, "no endpoints configured", endpoint.ErrNoEndpoints)
	}

	var errs []error
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		start := time.Now()
		h, err := p.connect(ctx, ep)
		p.metrics.RecordConnectAttempt(mode, err)
		if err != nil {
			p.registry.RecordFailure(ep)
			p.logger.Warn("endpoint connect failed", append([]any{"endpoint", ep, "mode", mode}, logging.ErrorFields(err)...)...)
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		p.registry.RecordSuccess(ep, time.Since(start))
		return h, nil
	}

	return nil, domain.NewError(domain.CodeEndpointUnavailable,
		fmt.Sprintf("all %d endpoint(s) failed", len(candidates)), errors.Join(errs...))
}

func (p *Pool) connect(ctx context.Context, ep string) (*Handle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	conn, err := p.dial(dialCtx, ep)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	client := substrate.NewClient(conn)

	negCtx, cancel := context.WithTimeout(ctx, p.negotiationTimeout)
	schema, metadata, err := Negotiate(negCtx, client)
	cancel()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("negotiate schema: %w", err)
	}

	// Failure reasons fall back to pallet and error indices without names.
	moduleErrors, err := scale.DecodeModuleErrors(metadata)
	if err != nil {
		p.logger.Debug("module error names unavailable", append([]any{"endpoint", ep}, logging.ErrorFields(err)...)...)
	}

	return &Handle{client: client, schema: schema, moduleErrors: moduleErrors}, nil
}

// Negotiate reads the schema identity of a fresh connection and returns the
// runtime metadata it was derived from. Every call yields a new RegistryID.
func Negotiate(ctx context.Context, client *substrate.Client) (domain.SchemaIdentity, []byte, error) {
	rv, err := client.RuntimeVersion(ctx)
	if err != nil {
		return domain.SchemaIdentity{}, nil, fmt.Errorf("runtime version: %w", err)
	}

	genesis, err := client.GenesisHash(ctx)
	if err != nil {
		return domain.SchemaIdentity{}, nil, fmt.Errorf("genesis hash: %w", err)
	}

	metadata, err := client.Metadata(ctx)
	if err != nil {
		return domain.SchemaIdentity{}, nil, fmt.Errorf("metadata: %w", err)
	}
	sum := blake2b.Sum256(metadata)

	return domain.SchemaIdentity{
		RegistryID:         uuid.NewString(),
		GenesisHash:        genesis,
		SpecName:           rv.SpecName,
		SpecVersion:        rv.SpecVersion,
		TransactionVersion: rv.TransactionVersion,
		MetadataHash:       substrate.EncodeHex(sum[:]),
	}, metadata, nil
}

// NewProber returns an endpoint.Prober that connects with dial and closes
// the connection again.
func NewProber(dial Dialer) endpoint.Prober {
	return func(ctx context.Context, ep string) error {
		conn, err := dial(ctx, ep)
		if err != nil {
			return err
		}
		defer conn.Close()

		_, err = substrate.NewClient(conn).RuntimeVersion(ctx)
		return err
	}
}

// Package endpoint tracks the health of candidate network endpoints and orders
// them for failover.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/storage"
)

// Defaults.
const (
	DefaultManagerID           = "default"
	DefaultCooldown            = 5 * time.Minute
	DefaultHealthCheckInterval = 10 * time.Minute
	DefaultProbeTimeout        = 10 * time.Second

	// latencyWeight is the weight of a new sample in the latency moving average.
	latencyWeight = 0.3

	persistTimeout = 5 * time.Second
)

// ErrNoEndpoints is returned when a registry is created without endpoints.
var ErrNoEndpoints = errors.New("no endpoints configured")

// Prober performs a lightweight connect-and-disconnect check against an endpoint.
type Prober func(ctx context.Context, endpoint string) error

// RegistryOptions contains configuration for creating a Registry.
type RegistryOptions struct {
	Endpoints []string
	ManagerID string        // Default: "default". Keys persisted health.
	Cooldown  time.Duration // Default: 5m

	// HealthCheckInterval is the period of the background probe. Default: 10m.
	HealthCheckInterval time.Duration
	DisableHealthChecks bool
	ProbeTimeout        time.Duration // Default: 10s
	Prober              Prober

	Store     storage.KVStore               // optional
	Snapshots storage.EndpointSnapshotStore // optional
	Metrics   *observability.Metrics
	Logger    log.Logger
	Now       func() time.Time
}

// Registry tracks EndpointHealth for a fixed endpoint list.
// Safe for concurrent use.
type Registry struct {
	endpoints []string
	managerID string
	cooldown  time.Duration

	checkInterval time.Duration
	checksEnabled bool
	probeTimeout  time.Duration
	prober        Prober

	store     storage.KVStore
	snapshots storage.EndpointSnapshotStore
	metrics   *observability.Metrics
	logger    log.Logger
	now       func() time.Time

	mu        sync.Mutex
	health    map[string]*domain.EndpointHealth
	preferred string

	// Persistence writes are async. seq is bumped under mu together with the
	// encoded state so a stale write never overwrites a newer one.
	seq        uint64
	persistMu  sync.Mutex
	written    uint64
	persisting sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
}

// NewRegistry creates a registry with every endpoint healthy.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if len(opts.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	managerID := opts.ManagerID
	if managerID == "" {
		managerID = DefaultManagerID
	}

	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	checkInterval := opts.HealthCheckInterval
	if checkInterval == 0 {
		checkInterval = DefaultHealthCheckInterval
	}

	probeTimeout := opts.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = DefaultProbeTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		managerID:     managerID,
		cooldown:      cooldown,
		checkInterval: checkInterval,
		checksEnabled: !opts.DisableHealthChecks && opts.Prober != nil,
		probeTimeout:  probeTimeout,
		prober:        opts.Prober,
		store:         opts.Store,
		snapshots:     opts.Snapshots,
		metrics:       opts.Metrics,
		logger:        logging.Subsystem(opts.Logger, logging.SubsystemEndpoints),
		now:           now,
		health:        make(map[string]*domain.EndpointHealth, len(opts.Endpoints)),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}

	for _, ep := range opts.Endpoints {
		if _, dup := r.health[ep]; dup {
			continue
		}
		h := domain.NewEndpointHealth(ep)
		r.health[ep] = &h
		r.endpoints = append(r.endpoints, ep)
	}
	r.preferred = r.endpoints[0]

	return r, nil
}

// ManagerID returns the identity health is persisted under.
func (r *Registry) ManagerID() string {
	return r.managerID
}

// Endpoints returns the configured endpoints in configuration order.
func (r *Registry) Endpoints() []string {
	out := make([]string, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// StorageKey returns the KV key for this registry's persisted health.
func (r *Registry) StorageKey() string {
	return "endpoint-health:" + r.managerID
}

// Load restores persisted health. Entries for endpoints that are no longer
// configured are ignored. A missing key is not an error.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	data, err := r.store.Get(ctx, r.StorageKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load endpoint health: %w", err)
	}

	var saved map[string]domain.EndpointHealth
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decode endpoint health: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for ep, h := range saved {
		cur, ok := r.health[ep]
		if !ok {
			continue
		}
		h.Endpoint = ep
		*cur = h
		loaded++
		r.metrics.RecordEndpointHealth(ep, h.Healthy, h.AvgLatencyMs)
	}
	r.logger.Debug("loaded endpoint health", "entries", loaded, "ignored", len(saved)-loaded)
	return nil
}

// OrderedCandidates returns the endpoints eligible for a connection attempt,
// best first. Endpoints within the failover cooldown are excluded. When every
// endpoint is cooling down, all cooldowns are reset and the full list is
// returned instead of an empty one.
func (r *Registry) OrderedCandidates() []string {
	r.mu.Lock()

	now := r.now()
	candidates := make([]domain.EndpointHealth, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		h := r.health[ep]
		if !h.InCooldown(now, r.cooldown) {
			candidates = append(candidates, *h)
		}
	}

	reset := false
	if len(candidates) == 0 {
		for _, ep := range r.endpoints {
			h := r.health[ep]
			h.LastFailure = nil
			candidates = append(candidates, *h)
		}
		reset = true
	}

	order := make(map[string]int, len(r.endpoints))
	for i, ep := range r.endpoints {
		order[ep] = i
	}
	preferred := r.preferred

	var state persistState
	if reset {
		state = r.encodeLocked()
	}
	r.mu.Unlock()

	if reset {
		r.logger.Warn("all endpoints in failover cooldown, resetting cooldowns", "endpoints", len(candidates))
		r.persist(state)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Healthy != b.Healthy {
			return a.Healthy
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		la, lb := latencyOf(a), latencyOf(b)
		if la != lb {
			return la < lb
		}
		if (a.Endpoint == preferred) != (b.Endpoint == preferred) {
			return a.Endpoint == preferred
		}
		return order[a.Endpoint] < order[b.Endpoint]
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Endpoint
	}
	return out
}

func latencyOf(h domain.EndpointHealth) float64 {
	if h.AvgLatencyMs == nil {
		return math.Inf(1)
	}
	return *h.AvgLatencyMs
}

// RecordSuccess marks endpoint healthy, clears its last failure and folds
// latency into the moving average.
func (r *Registry) RecordSuccess(endpoint string, latency time.Duration) {
	r.mu.Lock()
	h, ok := r.health[endpoint]
	if !ok {
		r.mu.Unlock()
		return
	}

	ms := float64(latency) / float64(time.Millisecond)
	if h.AvgLatencyMs == nil {
		h.AvgLatencyMs = &ms
	} else {
		avg := latencyWeight*ms + (1-latencyWeight)*(*h.AvgLatencyMs)
		h.AvgLatencyMs = &avg
	}
	h.Healthy = true
	h.LastFailure = nil
	r.preferred = endpoint
	avg := *h.AvgLatencyMs
	state := r.encodeLocked()
	r.mu.Unlock()

	r.metrics.RecordEndpointHealth(endpoint, true, &avg)
	r.persist(state)
}

// RecordFailure marks endpoint unhealthy and starts its cooldown.
func (r *Registry) RecordFailure(endpoint string) {
	r.mu.Lock()
	h, ok := r.health[endpoint]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.now()
	h.Healthy = false
	h.LastFailure = &now
	h.FailureCount++
	failures := h.FailureCount
	state := r.encodeLocked()
	r.mu.Unlock()

	r.logger.Debug("endpoint failure recorded", "endpoint", endpoint, "failures", failures)
	r.metrics.RecordEndpointFailure(endpoint)
	r.persist(state)
}

// Health returns a copy of an endpoint's record.
func (r *Registry) Health(endpoint string) (domain.EndpointHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[endpoint]
	if !ok {
		return domain.EndpointHealth{}, false
	}
	return copyHealth(*h), true
}

// All returns a copy of every record in configuration order.
func (r *Registry) All() []domain.EndpointHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.EndpointHealth, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, copyHealth(*r.health[ep]))
	}
	return out
}

func copyHealth(h domain.EndpointHealth) domain.EndpointHealth {
	if h.LastFailure != nil {
		t := *h.LastFailure
		h.LastFailure = &t
	}
	if h.AvgLatencyMs != nil {
		v := *h.AvgLatencyMs
		h.AvgLatencyMs = &v
	}
	return h
}

type persistState struct {
	data []byte
	seq  uint64
}

// encodeLocked serializes the health map. Caller holds r.mu.
func (r *Registry) encodeLocked() persistState {
	if r.store == nil {
		return persistState{}
	}
	data, err := json.Marshal(r.health)
	if err != nil {
		r.logger.Error("encode endpoint health", logging.ErrorFields(err)...)
		return persistState{}
	}
	r.seq++
	return persistState{data: data, seq: r.seq}
}

// persist writes state in the background. Failures are logged and dropped.
func (r *Registry) persist(state persistState) {
	if r.store == nil || state.data == nil {
		return
	}

	r.persisting.Add(1)
	go func() {
		defer r.persisting.Done()

		r.persistMu.Lock()
		defer r.persistMu.Unlock()
		if state.seq < r.written {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.Set(ctx, r.StorageKey(), state.data); err != nil {
			r.logger.Warn("persist endpoint health failed", logging.ErrorFields(err)...)
			return
		}
		r.written = state.seq
	}()
}

// Flush waits for in-flight persistence writes.
func (r *Registry) Flush() {
	r.persisting.Wait()
}

// CheckAll probes every endpoint once, records the results and appends a
// snapshot row per endpoint to the snapshot store.
func (r *Registry) CheckAll(ctx context.Context) {
	if r.prober == nil {
		return
	}

	for _, ep := range r.endpoints {
		if ctx.Err() != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		start := time.Now()
		err := r.prober(probeCtx, ep)
		cancel()

		if err != nil {
			r.logger.Debug("health probe failed", append([]any{"endpoint", ep}, logging.ErrorFields(err)...)...)
			r.RecordFailure(ep)
			continue
		}
		r.RecordSuccess(ep, time.Since(start))
	}

	if err := r.RecordSnapshots(ctx); err != nil {
		r.logger.Warn("record endpoint snapshots failed", logging.ErrorFields(err)...)
	}
}

// RecordSnapshots appends the current health of every endpoint to the
// snapshot store, if one is configured.
func (r *Registry) RecordSnapshots(ctx context.Context) error {
	if r.snapshots == nil {
		return nil
	}
	ts := r.now()
	all := r.All()
	rows := make([]*domain.EndpointSnapshot, len(all))
	for i, h := range all {
		snap := h.Snapshot(r.managerID, ts)
		rows[i] = &snap
	}
	return r.snapshots.InsertBulk(ctx, rows)
}

// Start launches the background health-check loop. It is a no-op when checks
// are disabled or no prober is configured. The loop stops on Close or when
// ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	if !r.checksEnabled || !r.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(r.loopDone)

		ticker := time.NewTicker(r.checkInterval)
		defer ticker.Stop()

		r.logger.Info("endpoint health checks started", "interval", r.checkInterval.String(), "endpoints", len(r.endpoints))
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.CheckAll(ctx)
			}
		}
	}()
}

// Close stops the health-check loop and waits for pending writes.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.loopDone
	}
	r.Flush()
}

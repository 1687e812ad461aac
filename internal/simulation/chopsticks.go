package simulation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"cosmossdk.io/log"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
)

// Chopsticks RPC methods.
const (
	MethodDryRun     = "dev_dryRun"
	MethodSetStorage = "dev_setStorage"
)

// Chopsticks defaults.
const (
	DefaultChopsticksBinary       = "npx"
	DefaultChopsticksStartTimeout = 60 * time.Second
	DefaultChopsticksStopTimeout  = 5 * time.Second
	chopsticksPollInterval        = 250 * time.Millisecond
)

// DefaultChopsticksArgs runs the published Chopsticks package through npx.
var DefaultChopsticksArgs = []string{"--yes", "@acala-network/chopsticks@latest"}

// ChopsticksOptions contains configuration for creating a ChopsticksForker.
type ChopsticksOptions struct {
	Binary       string        // Default: "npx"
	Args         []string      // Default: DefaultChopsticksArgs
	StartTimeout time.Duration // Default: 60s
	// Dialer connects to the local fork. Default: pool.DefaultDialer.
	Dialer       pool.Dialer
	Logger       log.Logger
}

// ChopsticksForker forks the session's ledger with a local Chopsticks process.
type ChopsticksForker struct {
	binary       string
	args         []string
	startTimeout time.Duration
	dial         pool.Dialer
	logger       log.Logger
}

// NewChopsticksForker creates a forker.
func NewChopsticksForker(opts ChopsticksOptions) *ChopsticksForker {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultChopsticksBinary
	}

	args := opts.Args
	if args == nil {
		args = DefaultChopsticksArgs
	}

	startTimeout := opts.StartTimeout
	if startTimeout == 0 {
		startTimeout = DefaultChopsticksStartTimeout
	}

	dial := opts.Dialer
	if dial == nil {
		dial = pool.DefaultDialer(opts.Logger)
	}

	return &ChopsticksForker{
		binary:       binary,
		args:         args,
		startTimeout: startTimeout,
		dial:         dial,
		logger:       logging.Subsystem(opts.Logger, logging.SubsystemSimulation),
	}
}

// Open starts a fork of the session's endpoint at its finalized head. The
// fork's runtime must match the session schema.
func (f *ChopsticksForker) Open(ctx context.Context, s pool.ExecutionSession) (Fork, error) {
	bin, err := exec.LookPath(f.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrForkUnavailable, f.binary, err)
	}

	head, err := s.Client().FinalizedHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: finalized head: %v", ErrForkUnavailable, err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForkUnavailable, err)
	}

	args := append(append([]string{}, f.args...),
		"--endpoint="+s.Endpoint(),
		"--block="+head,
		"--port="+strconv.Itoa(port),
	)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, bin, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = DefaultChopsticksStopTimeout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start chopsticks: %v", ErrForkUnavailable, err)
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	fork := &chopsticksFork{
		blockHash:    head,
		cancel:       cancel,
		exited:       exited,
		moduleErrors: s.ModuleErrors(),
	}

	url := "ws://127.0.0.1:" + strconv.Itoa(port)
	conn, err := f.waitReady(ctx, url, exited)
	if err != nil {
		fork.Close()
		if errors.Is(err, errProcessExited) {
			err = fmt.Errorf("%w: %v", err, waitErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrForkUnavailable, err)
	}
	fork.client = substrate.NewClient(conn)

	if err := checkForkRuntime(ctx, fork.client, s.Schema()); err != nil {
		fork.Close()
		return nil, fmt.Errorf("%w: %v", ErrForkUnavailable, err)
	}

	f.logger.Info("fork ready", "endpoint", s.Endpoint(), "block", head, "port", port, "pid", cmd.Process.Pid)
	return fork, nil
}

var errProcessExited = errors.New("chopsticks exited before becoming ready")

func (f *ChopsticksForker) waitReady(ctx context.Context, url string, exited <-chan struct{}) (substrate.Conn, error) {
	deadline := time.Now().Add(f.startTimeout)
	ticker := time.NewTicker(chopsticksPollInterval)
	defer ticker.Stop()

	for {
		conn, err := f.dial(ctx, url)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("not ready after %s: %w", f.startTimeout, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exited:
			return nil, errProcessExited
		case <-ticker.C:
		}
	}
}

func checkForkRuntime(ctx context.Context, client *substrate.Client, schema domain.SchemaIdentity) error {
	rv, err := client.RuntimeVersion(ctx)
	if err != nil {
		return fmt.Errorf("fork runtime version: %w", err)
	}
	genesis, err := client.GenesisHash(ctx)
	if err != nil {
		return fmt.Errorf("fork genesis: %w", err)
	}
	if genesis != schema.GenesisHash || rv.SpecVersion != schema.SpecVersion {
		return fmt.Errorf("fork runtime %s/%d (genesis %s) does not match session schema %s",
			rv.SpecName, rv.SpecVersion, genesis, schema)
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type chopsticksFork struct {
	client       *substrate.Client
	blockHash    string
	moduleErrors scale.ModuleErrorResolver

	cancel    context.CancelFunc
	exited    <-chan struct{}
	closeOnce sync.Once
}

type dryRunExtrinsic struct {
	Call    string `json:"call"`
	Address string `json:"address"`
}

type dryRunParams struct {
	Raw       bool            `json:"raw"`
	Extrinsic dryRunExtrinsic `json:"extrinsic"`
}

type dryRunResult struct {
	Outcome     string      `json:"outcome"`
	StorageDiff [][]*string `json:"storageDiff"`
}

// DryRun implements Fork.
func (f *chopsticksFork) DryRun(ctx context.Context, p domain.Payload) (*DryRunOutcome, error) {
	var res dryRunResult
	params := dryRunParams{
		Raw:       true,
		Extrinsic: dryRunExtrinsic{Call: p.CallHex(), Address: p.Sender},
	}
	if err := f.client.Call(ctx, MethodDryRun, &res, params); err != nil {
		return nil, err
	}

	raw, err := substrate.DecodeHex(res.Outcome)
	if err != nil {
		return nil, fmt.Errorf("decode dry-run outcome: %w", err)
	}
	result, err := scale.DecodeApplyResult(raw, f.moduleErrors)
	if err != nil {
		return nil, fmt.Errorf("decode dry-run outcome: %w", err)
	}

	diff := make([]StorageEntry, 0, len(res.StorageDiff))
	for _, kv := range res.StorageDiff {
		if len(kv) != 2 || kv[0] == nil {
			return nil, fmt.Errorf("malformed storage diff entry")
		}
		diff = append(diff, StorageEntry{Key: *kv[0], Value: kv[1]})
	}
	return &DryRunOutcome{Result: result, StorageDiff: diff}, nil
}

// Apply implements Fork.
func (f *chopsticksFork) Apply(ctx context.Context, o *DryRunOutcome) error {
	if o == nil || len(o.StorageDiff) == 0 {
		return nil
	}
	values := make([][]*string, len(o.StorageDiff))
	for i, e := range o.StorageDiff {
		key := e.Key
		values[i] = []*string{&key, e.Value}
	}
	return f.client.Call(ctx, MethodSetStorage, nil, values)
}

// BlockHash implements Fork.
func (f *chopsticksFork) BlockHash() string {
	return f.blockHash
}

// Close stops the Chopsticks process. Idempotent.
func (f *chopsticksFork) Close() error {
	f.closeOnce.Do(func() {
		if f.client != nil {
			_ = f.client.Close()
		}
		if f.cancel != nil {
			f.cancel()
		}
		if f.exited != nil {
			<-f.exited
		}
	})
	return nil
}

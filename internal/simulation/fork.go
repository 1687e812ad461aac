// Package simulation dry-runs payloads against forked ledger state before
// they are approved and signed.
package simulation

import (
	"context"
	"errors"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/scale"
)

// ErrForkUnavailable means no fork could be opened. The engine falls back to
// fee estimation and marks results unvalidated.
var ErrForkUnavailable = errors.New("simulation fork unavailable")

// StorageEntry is one key of a dry-run storage diff. A nil Value deletes the key.
type StorageEntry struct {
	Key   string
	Value *string
}

// DryRunOutcome is the result of dry-running one payload on a fork.
type DryRunOutcome struct {
	Result      scale.ApplyResult
	StorageDiff []StorageEntry
}

// Fork is a disposable local replica of remote ledger state.
type Fork interface {
	// DryRun applies p to a copy of the fork head and reports the outcome
	// without changing the fork.
	DryRun(ctx context.Context, p domain.Payload) (*DryRunOutcome, error)
	// Apply commits a dry-run's storage diff onto the fork head so later
	// dry-runs see its effects.
	Apply(ctx context.Context, o *DryRunOutcome) error
	// BlockHash is the remote block the fork was created from.
	BlockHash() string
	Close() error
}

// Forker opens forks of the ledger state behind a session.
type Forker interface {
	Open(ctx context.Context, s pool.ExecutionSession) (Fork, error)
}

package reporting

import (
	"time"

	"dotbot-exec/internal/metrics"
)

// Report represents the execution report of one plan.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	PlanID      string

	// Summary statistics
	Aggregate *metrics.Aggregate

	// Fees per network, formatted with the network's symbol
	Fees []FeeRow

	// Items (sorted by index)
	Items []ItemRow

	// Failures lists failed and cancelled items
	Failures []FailureRow
}

// FeeRow is the estimated fee total of one network.
type FeeRow struct {
	Target string
	Amount string
}

// ItemRow represents one row in the items table.
type ItemRow struct {
	Index         int
	Kind          string
	Target        string
	Status        string
	Endpoint      string
	ExtrinsicHash string
	BlockHash     string
	EstimatedFee  string // planck
	Validated     bool
	DurationMs    int64 // 0 when the item never completed
}

// FailureRow represents one failed or cancelled item.
type FailureRow struct {
	Index   int
	Kind    string
	Status  string
	Code    string
	Message string
}

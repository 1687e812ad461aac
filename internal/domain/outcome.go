package domain

// ExecutionOutcome is the analytics record of one item reaching a terminal status.
type ExecutionOutcome struct {
	PlanID        string
	ItemID        string
	Index         int
	Kind          string
	Family        Family
	Target        string
	Endpoint      string
	Status        Status
	ErrorCode     Code // empty on success
	ErrorMessage  string
	ExtrinsicHash string
	BlockHash     string
	EstimatedFee  string // planck, decimal string
	Validated     bool
	CreatedAt     int64 // Unix ms
	CompletedAt   int64 // Unix ms
}

package domain

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSimulating   Status = "simulating"
	StatusReady        Status = "ready"
	StatusSigning      Status = "signing"
	StatusBroadcasting Status = "broadcasting"
	StatusInBlock      Status = "in_block"
	StatusFinalized    Status = "finalized"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusFailed || s == StatusCancelled
}

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSimulating, StatusReady, StatusSigning,
		StatusBroadcasting, StatusInBlock, StatusFinalized, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed successor states. failed is reachable from every
// non-terminal state and is added in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:      {StatusSimulating, StatusReady},
	StatusSimulating:   {StatusReady},
	StatusReady:        {StatusSigning, StatusCancelled, StatusFinalized},
	StatusSigning:      {StatusBroadcasting, StatusCancelled},
	StatusBroadcasting: {StatusInBlock, StatusFinalized},
	StatusInBlock:      {StatusFinalized},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// ready -> finalized is only used by families that complete without submission.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

package simulation

import (
	"errors"
	"strings"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/substrate"
)

// trapSignatures mark runtime crashes caused by a malformed payload rather
// than by ledger business rules.
var trapSignatures = []string{
	"wasm trap",
	"wasm `unreachable`",
	"unreachable",
	"panicked",
	"execution aborted",
}

// IsTrap reports whether an error message looks like a runtime trap.
func IsTrap(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range trapSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// isNodeRejection reports whether err is an error returned by the node, as
// opposed to a transport failure.
func isNodeRejection(err error) bool {
	var rpcErr *substrate.RPCError
	return errors.As(err, &rpcErr)
}

// classifyRejection turns a node error from a dry-run or fee query into a
// failed result.
func classifyRejection(err error) *domain.SimulationResult {
	msg := err.Error()
	var rpcErr *substrate.RPCError
	if errors.As(err, &rpcErr) {
		msg = rpcErr.Message
		if len(rpcErr.Data) > 0 && string(rpcErr.Data) != "null" {
			msg += ": " + strings.Trim(string(rpcErr.Data), `"`)
		}
	}

	outcome := domain.OutcomeApplicationFailure
	if IsTrap(msg) {
		outcome = domain.OutcomeStructuralFailure
	}
	return &domain.SimulationResult{
		Outcome:       outcome,
		FailureReason: msg,
	}
}

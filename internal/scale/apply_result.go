package scale

import (
	"fmt"
)

// ApplyResult is a decoded ApplyExtrinsicResult:
// Result<Result<(), DispatchError>, TransactionValidityError>.
type ApplyResult struct {
	// Dispatch is non-nil when the extrinsic was valid but its call failed.
	Dispatch *DispatchError
	// Validity is non-nil when the extrinsic was rejected before dispatch.
	Validity *ValidityError
}

// Ok reports whether the extrinsic applied and dispatched successfully.
func (r ApplyResult) Ok() bool {
	return r.Dispatch == nil && r.Validity == nil
}

// Reason returns a human-readable failure reason, empty on success.
func (r ApplyResult) Reason() string {
	switch {
	case r.Validity != nil:
		return r.Validity.String()
	case r.Dispatch != nil:
		return r.Dispatch.String()
	}
	return ""
}

// DispatchError describes a failed call.
type DispatchError struct {
	Kind string // "Module", "Token", "Arithmetic", "BadOrigin", ...
	// Detail holds the inner variant for Token/Arithmetic/Transactional errors.
	Detail string
	// ModuleIndex and ModuleError are set for Kind == "Module".
	ModuleIndex uint8
	ModuleError [4]byte
	// ModuleName is the resolved "<Pallet>.<Error>" when a resolver knew it.
	ModuleName string
}

func (e *DispatchError) String() string {
	switch {
	case e.Kind == "Module" && e.ModuleName != "":
		return e.ModuleName
	case e.Kind == "Module":
		return fmt.Sprintf("Module(index=%d, error=%d)", e.ModuleIndex, e.ModuleError[0])
	case e.Detail != "":
		return e.Kind + "." + e.Detail
	}
	return e.Kind
}

// ValidityError describes an extrinsic rejected by the transaction pool checks.
type ValidityError struct {
	Invalid bool   // false means UnknownTransaction
	Kind    string // e.g. "Payment", "BadProof", "Stale"
	Custom  uint8
}

func (e *ValidityError) String() string {
	prefix := "InvalidTransaction"
	if !e.Invalid {
		prefix = "UnknownTransaction"
	}
	if e.Kind == "Custom" {
		return fmt.Sprintf("%s.Custom(%d)", prefix, e.Custom)
	}
	return prefix + "." + e.Kind
}

var dispatchErrorKinds = []string{
	"Other", "CannotLookup", "BadOrigin", "Module", "ConsumerRemaining", "NoProviders",
	"TooManyConsumers", "Token", "Arithmetic", "Transactional", "Exhausted", "Corruption",
	"Unavailable", "RootNotAllowed",
}

var tokenErrors = []string{
	"FundsUnavailable", "OnlyProvider", "BelowMinimum", "CannotCreate", "UnknownAsset",
	"Frozen", "Unsupported", "CannotCreateHold", "NotExpendable", "Blocked",
}

var arithmeticErrors = []string{"Underflow", "Overflow", "DivisionByZero"}

var transactionalErrors = []string{"LimitReached", "NoLayer"}

var invalidTransactions = []string{
	"Call", "Payment", "Future", "Stale", "BadProof", "AncientBirthBlock",
	"ExhaustsResources", "Custom", "BadMandatory", "MandatoryValidation", "BadSigner",
}

var unknownTransactions = []string{"CannotLookup", "NoUnsignedValidator", "Custom"}

// ModuleErrorResolver maps a module error to "<Pallet>.<Error>". Optional.
type ModuleErrorResolver func(index uint8, errorBytes [4]byte) (string, bool)

// DecodeApplyResult decodes an ApplyExtrinsicResult.
func DecodeApplyResult(data []byte, resolve ModuleErrorResolver) (ApplyResult, error) {
	if len(data) < 2 {
		return ApplyResult{}, ErrShortInput
	}
	switch data[0] {
	case 0x00:
		return decodeDispatchOutcome(data[1:], resolve)
	case 0x01:
		v, err := decodeValidityError(data[1:])
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Validity: v}, nil
	}
	return ApplyResult{}, fmt.Errorf("scale: invalid result tag 0x%02x", data[0])
}

func decodeDispatchOutcome(data []byte, resolve ModuleErrorResolver) (ApplyResult, error) {
	switch data[0] {
	case 0x00:
		return ApplyResult{}, nil
	case 0x01:
	default:
		return ApplyResult{}, fmt.Errorf("scale: invalid dispatch outcome tag 0x%02x", data[0])
	}
	if len(data) < 2 {
		return ApplyResult{}, ErrShortInput
	}
	idx := int(data[1])
	if idx >= len(dispatchErrorKinds) {
		return ApplyResult{}, fmt.Errorf("scale: unknown dispatch error variant %d", idx)
	}
	de := &DispatchError{Kind: dispatchErrorKinds[idx]}
	rest := data[2:]
	switch de.Kind {
	case "Module":
		if len(rest) < 5 {
			return ApplyResult{}, ErrShortInput
		}
		de.ModuleIndex = rest[0]
		copy(de.ModuleError[:], rest[1:5])
		if resolve != nil {
			if name, ok := resolve(de.ModuleIndex, de.ModuleError); ok {
				de.ModuleName = name
			}
		}
	case "Token":
		de.Detail = variant(rest, tokenErrors)
	case "Arithmetic":
		de.Detail = variant(rest, arithmeticErrors)
	case "Transactional":
		de.Detail = variant(rest, transactionalErrors)
	}
	return ApplyResult{Dispatch: de}, nil
}

func decodeValidityError(data []byte) (*ValidityError, error) {
	if len(data) < 2 {
		return nil, ErrShortInput
	}
	ve := &ValidityError{Invalid: data[0] == 0x00}
	names := invalidTransactions
	if !ve.Invalid {
		names = unknownTransactions
	}
	ve.Kind = variant(data[1:], names)
	if ve.Kind == "Custom" && len(data) > 2 {
		ve.Custom = data[2]
	}
	return ve, nil
}

func variant(data []byte, names []string) string {
	if len(data) == 0 {
		return ""
	}
	if int(data[0]) < len(names) {
		return names[data[0]]
	}
	return fmt.Sprintf("Unknown(%d)", data[0])
}

// Package producers builds payloads for the operation kinds a plan can use.
package producers

import (
	"fmt"
	"strconv"
	"strings"

	sdkmath "cosmossdk.io/math"

	"dotbot-exec/internal/orchestrator"
)

// Operation kinds.
const (
	KindTransfer = "transfer"
	KindRemark   = "remark"
	KindRawCall  = "raw_call"
	KindConfirm  = "confirm"
	KindNonce    = "nonce"
)

// maxDecimals is the precision of sdkmath.LegacyDec.
const maxDecimals = 18

// DevAliases are the well-known development accounts.
var DevAliases = map[string]string{
	"alice":   "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
	"bob":     "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty",
	"charlie": "5FLSigC9HGRKVhB9FiEo4Y3koPsNmBmLJbpXg2mp1hXcS59Y",
}

// Options configures the producers.
type Options struct {
	// Aliases maps lowercase names to SS58 addresses of any network.
	// Nil uses DevAliases.
	Aliases map[string]string
}

// Register adds every producer to r.
func Register(r *orchestrator.Registry, opts Options) error {
	aliases := opts.Aliases
	if aliases == nil {
		aliases = DevAliases
	}

	factories := map[string]orchestrator.Factory{
		KindTransfer: func() (orchestrator.Producer, error) { return &Transfer{aliases: aliases}, nil },
		KindRemark:   func() (orchestrator.Producer, error) { return Remark{}, nil },
		KindRawCall:  func() (orchestrator.Producer, error) { return RawCall{}, nil },
		KindConfirm:  func() (orchestrator.Producer, error) { return Confirm{}, nil },
		KindNonce:    func() (orchestrator.Producer, error) { return &Nonce{aliases: aliases}, nil },
	}
	for _, kind := range []string{KindTransfer, KindRemark, KindRawCall, KindConfirm, KindNonce} {
		if err := r.Register(kind, factories[kind]); err != nil {
			return err
		}
	}
	return nil
}

// ParseAmount converts a decimal token amount into planck.
func ParseAmount(amount string, decimals uint8) (sdkmath.Int, error) {
	if decimals > maxDecimals {
		return sdkmath.Int{}, fmt.Errorf("%d decimals not supported", decimals)
	}
	d, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(amount))
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return sdkmath.Int{}, fmt.Errorf("amount must be positive, got %q", amount)
	}
	planck := d.MulInt(sdkmath.NewIntWithDecimal(1, int(decimals)))
	if !planck.IsInteger() {
		return sdkmath.Int{}, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return planck.TruncateInt(), nil
}

func stringParam(step orchestrator.Step, key string) (string, error) {
	v, ok := step.Params[key]
	if !ok || v == nil {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", fmt.Errorf("parameter %q is empty", key)
		}
		return strings.TrimSpace(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("parameter %q has unsupported type %T", key, v)
	}
}

func optionalParam(step orchestrator.Step, key string) (string, error) {
	if _, ok := step.Params[key]; !ok {
		return "", nil
	}
	return stringParam(step, key)
}

func shorten(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:8] + "..."
}

package domain

import (
	"strings"

	sdkmath "cosmossdk.io/math"
)

// CallIndex locates a call in a runtime: pallet index then call index.
type CallIndex struct {
	Pallet uint8
	Call   uint8
}

// Network describes one target ledger.
type Network struct {
	Name       string
	Endpoints  []string
	SS58Prefix uint16
	Decimals   uint8
	Symbol     string
	// ExistentialDeposit in planck. Zero disables the reaping warning.
	ExistentialDeposit sdkmath.Int

	TransferKeepAlive CallIndex
	Remark            CallIndex
	BatchAll          CallIndex
}

// FormatAmount renders planck as a decimal amount with the network symbol.
func (n Network) FormatAmount(planck sdkmath.Int) string {
	s := sdkmath.LegacyNewDecFromIntWithPrec(planck, int64(n.Decimals)).String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	if n.Symbol == "" {
		return s
	}
	return s + " " + n.Symbol
}

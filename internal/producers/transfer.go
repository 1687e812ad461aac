package producers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/orchestrator"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/ss58"
)

// multiAddressID is the MultiAddress::Id variant.
const multiAddressID = 0x00

// Transfer builds Balances.transfer_keep_alive calls.
//
// Params: to (SS58 address of the target network, or an alias), amount
// (decimal, in tokens).
type Transfer struct {
	aliases map[string]string
}

// Produce implements orchestrator.Producer.
func (t *Transfer) Produce(_ context.Context, req orchestrator.Request) (domain.Payload, error) {
	net := req.Network

	if req.Sender == "" {
		return domain.Payload{}, fmt.Errorf("transfer needs a sender")
	}
	sender, _, err := ss58.Decode(req.Sender)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("invalid sender address: %w", err)
	}

	to, err := stringParam(req.Step, "to")
	if err != nil {
		return domain.Payload{}, err
	}
	recipient, display, err := t.resolve(to, net.SS58Prefix)
	if err != nil {
		return domain.Payload{}, err
	}

	raw, err := stringParam(req.Step, "amount")
	if err != nil {
		return domain.Payload{}, err
	}
	amount, err := ParseAmount(raw, net.Decimals)
	if err != nil {
		return domain.Payload{}, err
	}

	value, err := scale.EncodeCompactBig(amount.BigInt())
	if err != nil {
		return domain.Payload{}, fmt.Errorf("encode amount: %w", err)
	}
	call := []byte{net.TransferKeepAlive.Pallet, net.TransferKeepAlive.Call, multiAddressID}
	call = append(call, recipient...)
	call = append(call, value...)

	var warnings []string
	if bytes.Equal(sender, recipient) {
		warnings = append(warnings, "sender and recipient are the same account")
	}
	if !net.ExistentialDeposit.IsNil() && amount.LT(net.ExistentialDeposit) {
		warnings = append(warnings, fmt.Sprintf(
			"amount is below the existential deposit of %s, the transfer fails if the recipient account does not exist",
			net.FormatAmount(net.ExistentialDeposit)))
	}

	return domain.Payload{
		Schema:      req.Session.Schema(),
		Kind:        KindTransfer,
		Family:      domain.FamilyTransfer,
		Target:      net.Name,
		Sender:      req.Sender,
		Call:        call,
		Description: fmt.Sprintf("Transfer %s to %s", net.FormatAmount(amount), shorten(display)),
		Warnings:    warnings,
		ExpectedDeltas: []domain.BalanceDelta{
			{Amount: amount, Direction: domain.DirectionOut, Reason: "transfer"},
		},
	}, nil
}

// resolve returns the recipient account id and its address on the network.
// Aliases may use any prefix; explicit addresses must match the network.
func (t *Transfer) resolve(to string, prefix uint16) ([]byte, string, error) {
	if alias, ok := t.aliases[strings.ToLower(to)]; ok {
		pub, _, err := ss58.Decode(alias)
		if err != nil {
			return nil, "", fmt.Errorf("alias %q: %w", to, err)
		}
		addr, err := ss58.Encode(pub, prefix)
		if err != nil {
			return nil, "", err
		}
		return pub, addr, nil
	}

	pub, err := ss58.DecodeForNetwork(to, prefix)
	if err != nil {
		return nil, "", fmt.Errorf("invalid recipient address: %w", err)
	}
	return pub, to, nil
}

package producers

import (
	"context"
	"fmt"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/orchestrator"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
)

// Remark builds System.remark calls. Params: text.
type Remark struct{}

// Produce implements orchestrator.Producer.
func (Remark) Produce(_ context.Context, req orchestrator.Request) (domain.Payload, error) {
	text, err := stringParam(req.Step, "text")
	if err != nil {
		return domain.Payload{}, err
	}
	idx := req.Network.Remark
	call := append([]byte{idx.Pallet, idx.Call}, scale.EncodeBytes([]byte(text))...)

	return domain.Payload{
		Schema:      req.Session.Schema(),
		Kind:        KindRemark,
		Family:      domain.FamilyTransfer,
		Target:      req.Network.Name,
		Sender:      req.Sender,
		Call:        call,
		Description: fmt.Sprintf("Remark %q", text),
	}, nil
}

// RawCall submits a pre-encoded call. Params: call (hex).
type RawCall struct{}

// Produce implements orchestrator.Producer.
func (RawCall) Produce(_ context.Context, req orchestrator.Request) (domain.Payload, error) {
	raw, err := stringParam(req.Step, "call")
	if err != nil {
		return domain.Payload{}, err
	}
	call, err := substrate.DecodeHex(raw)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("invalid call hex: %w", err)
	}
	if len(call) < 2 {
		return domain.Payload{}, fmt.Errorf("call must start with a pallet and call index")
	}

	return domain.Payload{
		Schema:      req.Session.Schema(),
		Kind:        KindRawCall,
		Family:      domain.FamilyTransfer,
		Target:      req.Network.Name,
		Sender:      req.Sender,
		Call:        call,
		Description: fmt.Sprintf("Call %d.%d (%d bytes)", call[0], call[1], len(call)),
		Warnings:    []string{"raw call is not decoded, check it before approving"},
	}, nil
}

// Confirm asks the user to acknowledge something without a transaction.
// Params: message.
type Confirm struct{}

// Produce implements orchestrator.Producer.
func (Confirm) Produce(_ context.Context, req orchestrator.Request) (domain.Payload, error) {
	msg, err := stringParam(req.Step, "message")
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.Payload{
		Schema:      req.Session.Schema(),
		Kind:        KindConfirm,
		Family:      domain.FamilyConfirmation,
		Target:      req.Network.Name,
		Sender:      req.Sender,
		Description: msg,
		Result:      "confirmed",
	}, nil
}

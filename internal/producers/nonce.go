package producers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/orchestrator"
	"dotbot-exec/internal/ss58"
)

// Nonce reads an account's next nonce through the plan session.
// Params: address (optional, defaults to the sender).
type Nonce struct {
	aliases map[string]string
}

// Produce implements orchestrator.Producer.
func (n *Nonce) Produce(ctx context.Context, req orchestrator.Request) (domain.Payload, error) {
	address, err := optionalParam(req.Step, "address")
	if err != nil {
		return domain.Payload{}, err
	}
	if address == "" {
		address = req.Sender
	}
	if alias, ok := n.aliases[strings.ToLower(address)]; ok {
		address = alias
	}
	if _, _, err := ss58.Decode(address); err != nil {
		return domain.Payload{}, fmt.Errorf("invalid address: %w", err)
	}

	nonce, err := req.Session.Client().AccountNextIndex(ctx, address)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("read nonce: %w", err)
	}

	return domain.Payload{
		Schema:      req.Session.Schema(),
		Kind:        KindNonce,
		Family:      domain.FamilyRead,
		Target:      req.Network.Name,
		Sender:      req.Sender,
		Description: fmt.Sprintf("Next nonce of %s", shorten(address)),
		Result:      strconv.FormatUint(nonce, 10),
	}, nil
}

package executioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/substrate"
)

// broadcast submits signed through the session and follows it to a terminal
// chain status. Endpoints without subscriptions are polled instead.
func (c *Controller) broadcast(ctx context.Context, s pool.ExecutionSession, u *unit, signed *domain.SignedPayload) *domain.Error {
	bctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	watch, err := s.Client().SubmitAndWatchExtrinsic(bctx, signed.Extrinsic)
	if errors.Is(err, substrate.ErrSubscriptionsUnsupported) {
		return c.pollInclusion(ctx, bctx, s, u, signed)
	}
	if err != nil {
		return c.broadcastError(ctx, s, err)
	}
	defer watch.Close()

	c.setResult(u, execution.Result{ExtrinsicHash: signed.Hash})
	c.logger.Info("transaction submitted", "items", u.indices, "hash", signed.Hash, "endpoint", s.Endpoint())

	inBlock := false
	for {
		st, err := watch.Next(bctx)
		if err != nil {
			if errors.Is(err, substrate.ErrClosed) || bctx.Err() != nil {
				return c.broadcastError(ctx, s, err)
			}
			c.logger.Warn("unreadable status update", logging.ErrorFields(err)...)
			continue
		}
		c.logger.Debug("transaction status", "hash", signed.Hash, "status", string(st.Kind), "block", st.BlockHash)

		switch st.Kind {
		case substrate.StatusInBlock:
			c.setResult(u, execution.Result{ExtrinsicHash: signed.Hash, BlockHash: st.BlockHash})
			if !inBlock {
				inBlock = true
				c.transition(u, domain.StatusInBlock)
			}
		case substrate.StatusRetracted:
			c.logger.Warn("block retracted, waiting for re-inclusion", "hash", signed.Hash, "block", st.BlockHash)
		case substrate.StatusFinalized:
			c.setResult(u, execution.Result{ExtrinsicHash: signed.Hash, BlockHash: st.BlockHash})
			c.transition(u, domain.StatusFinalized)
			return nil
		case substrate.StatusFinalityTimeout:
			return domain.NewError(domain.CodeTimeout,
				fmt.Sprintf("block %s was not finalized in time", st.BlockHash), nil)
		case substrate.StatusUsurped:
			return domain.NewError(domain.CodeTransactionRejected,
				fmt.Sprintf("replaced by transaction %s with the same nonce", st.BlockHash), nil)
		case substrate.StatusDropped:
			return domain.NewError(domain.CodeTransactionRejected, "dropped from the transaction pool", nil)
		case substrate.StatusInvalid:
			return domain.NewError(domain.CodeTransactionRejected, "declared invalid by the transaction pool", nil)
		}
	}
}

// pollInclusion submits without a subscription and scans new blocks for the
// extrinsic until it is included and then finalized.
func (c *Controller) pollInclusion(parent, ctx context.Context, s pool.ExecutionSession, u *unit, signed *domain.SignedPayload) *domain.Error {
	client := s.Client()

	next, err := bestNumber(ctx, client)
	if err != nil {
		return c.broadcastError(parent, s, err)
	}
	hash, err := client.SubmitExtrinsic(ctx, signed.Extrinsic)
	if err != nil {
		return c.broadcastError(parent, s, err)
	}
	c.setResult(u, execution.Result{ExtrinsicHash: hash})
	c.logger.Info("transaction submitted, polling for inclusion", "items", u.indices, "hash", hash, "endpoint", s.Endpoint())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var (
		included   bool
		includedAt uint64
		blockHash  string
	)
	for {
		if !included {
			n, bh, found, err := scanBlocks(ctx, client, hash, &next)
			switch {
			case err != nil && !s.IsActive():
				return disconnected(s)
			case err != nil && ctx.Err() == nil:
				c.logger.Warn("block scan failed, retrying", logging.ErrorFields(err)...)
			case found:
				included, includedAt, blockHash = true, n, bh
				c.setResult(u, execution.Result{ExtrinsicHash: hash, BlockHash: bh})
				c.transition(u, domain.StatusInBlock)
			}
		}

		if included {
			fin, err := finalizedNumber(ctx, client)
			switch {
			case err != nil && !s.IsActive():
				return disconnected(s)
			case err != nil && ctx.Err() == nil:
				c.logger.Warn("finalized head lookup failed, retrying", logging.ErrorFields(err)...)
			case err == nil && fin >= includedAt:
				c.transition(u, domain.StatusFinalized)
				c.logger.Debug("inclusion finalized", "hash", hash, "block", blockHash, "number", includedAt)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return c.broadcastError(parent, s, ctx.Err())
		case <-s.Done():
			return disconnected(s)
		case <-ticker.C:
		}
	}
}

// scanBlocks looks for hash in blocks *next..best and advances *next past
// every block checked.
func scanBlocks(ctx context.Context, client *substrate.Client, hash string, next *uint64) (uint64, string, bool, error) {
	best, err := bestNumber(ctx, client)
	if err != nil {
		return 0, "", false, err
	}
	for ; *next <= best; *next++ {
		bh, err := client.BlockHash(ctx, *next)
		if err != nil {
			return 0, "", false, err
		}
		blk, err := client.Block(ctx, bh)
		if err != nil {
			return 0, "", false, err
		}
		if blk.Block.ContainsExtrinsic(hash) >= 0 {
			n := *next
			*next++
			return n, bh, true, nil
		}
	}
	return 0, "", false, nil
}

func bestNumber(ctx context.Context, client *substrate.Client) (uint64, error) {
	h, err := client.Header(ctx, "")
	if err != nil {
		return 0, err
	}
	return h.BlockNumber()
}

func finalizedNumber(ctx context.Context, client *substrate.Client) (uint64, error) {
	hash, err := client.FinalizedHead(ctx)
	if err != nil {
		return 0, err
	}
	h, err := client.Header(ctx, hash)
	if err != nil {
		return 0, err
	}
	return h.BlockNumber()
}

// broadcastError classifies a submission or watch error. parent is the
// run context, so its cancellation is told apart from the broadcast timeout.
func (c *Controller) broadcastError(parent context.Context, s pool.ExecutionSession, err error) *domain.Error {
	var rpcErr *substrate.RPCError
	switch {
	case parent.Err() != nil:
		return domain.NewError(domain.CodeCancelled, "stopped watching the transaction, it may still be included", err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(domain.CodeTimeout,
			fmt.Sprintf("no final status within %s", c.broadcastTimeout), err)
	case errors.Is(err, substrate.ErrClosed) || !s.IsActive():
		return domain.NewError(domain.CodeSessionDisconnected,
			fmt.Sprintf("connection to %s was lost during broadcast, check the transaction before retrying", s.Endpoint()), err)
	case errors.As(err, &rpcErr):
		msg := rpcErr.Message
		if data := strings.Trim(string(rpcErr.Data), `"`); data != "" {
			msg += ": " + data
		}
		return domain.NewError(domain.CodeTransactionRejected, msg, err)
	default:
		return domain.NewError(domain.CodeBroadcastFailed, "broadcast failed", err)
	}
}

func (c *Controller) setResult(u *unit, r execution.Result) {
	for _, id := range u.ids {
		_ = c.queue.UpdateResult(id, r)
	}
}

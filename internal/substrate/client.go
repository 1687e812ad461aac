package substrate

import (
	"context"
	"fmt"
)

// RPC method names.
const (
	MethodRuntimeVersion        = "state_getRuntimeVersion"
	MethodMetadata              = "state_getMetadata"
	MethodBlockHash             = "chain_getBlockHash"
	MethodFinalizedHead         = "chain_getFinalizedHead"
	MethodHeader                = "chain_getHeader"
	MethodBlock                 = "chain_getBlock"
	MethodAccountNextIndex      = "system_accountNextIndex"
	MethodQueryInfo             = "payment_queryInfo"
	MethodSubmitExtrinsic       = "author_submitExtrinsic"
	MethodSubmitAndWatch        = "author_submitAndWatchExtrinsic"
	MethodUnwatchExtrinsic      = "author_unwatchExtrinsic"
	NotificationExtrinsicUpdate = "author_extrinsicUpdate"
)

// Client wraps a Conn with typed Substrate RPC calls.
type Client struct {
	conn Conn
}

// NewClient creates a client over an open transport.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying transport.
func (c *Client) Conn() Conn { return c.conn }

// Endpoint returns the endpoint address.
func (c *Client) Endpoint() string { return c.conn.Endpoint() }

// Done is closed when the underlying transport is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Close closes the underlying transport.
func (c *Client) Close() error { return c.conn.Close() }

// Call is an untyped passthrough for methods without a typed wrapper.
func (c *Client) Call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	return c.conn.Call(ctx, method, params, result)
}

// RuntimeVersion returns the current runtime version.
func (c *Client) RuntimeVersion(ctx context.Context) (*RuntimeVersion, error) {
	var rv RuntimeVersion
	if err := c.conn.Call(ctx, MethodRuntimeVersion, nil, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

// GenesisHash returns the hash of block 0.
func (c *Client) GenesisHash(ctx context.Context) (string, error) {
	return c.BlockHash(ctx, 0)
}

// BlockHash returns the hash of block number n.
func (c *Client) BlockHash(ctx context.Context, n uint64) (string, error) {
	var hash string
	if err := c.conn.Call(ctx, MethodBlockHash, []interface{}{n}, &hash); err != nil {
		return "", err
	}
	if hash == "" {
		return "", fmt.Errorf("block %d not found", n)
	}
	return hash, nil
}

// Metadata returns the raw SCALE-encoded runtime metadata.
func (c *Client) Metadata(ctx context.Context) ([]byte, error) {
	var raw string
	if err := c.conn.Call(ctx, MethodMetadata, nil, &raw); err != nil {
		return nil, err
	}
	b, err := DecodeHex(raw)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return b, nil
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (string, error) {
	var hash string
	if err := c.conn.Call(ctx, MethodFinalizedHead, nil, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Header returns the header of the given block, or the best block when hash is empty.
func (c *Client) Header(ctx context.Context, hash string) (*Header, error) {
	var params []interface{}
	if hash != "" {
		params = []interface{}{hash}
	}
	var h Header
	if err := c.conn.Call(ctx, MethodHeader, params, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Block returns the block with the given hash.
func (c *Client) Block(ctx context.Context, hash string) (*SignedBlock, error) {
	var b SignedBlock
	if err := c.conn.Call(ctx, MethodBlock, []interface{}{hash}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AccountNextIndex returns the next usable nonce for address, including pool transactions.
func (c *Client) AccountNextIndex(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	if err := c.conn.Call(ctx, MethodAccountNextIndex, []interface{}{address}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// QueryFeeInfo estimates the fee of an encoded extrinsic.
func (c *Client) QueryFeeInfo(ctx context.Context, ext []byte) (*FeeInfo, error) {
	var res feeInfoResult
	if err := c.conn.Call(ctx, MethodQueryInfo, []interface{}{EncodeHex(ext)}, &res); err != nil {
		return nil, err
	}
	return res.toFeeInfo()
}

// SubmitExtrinsic submits an encoded extrinsic and returns its hash.
func (c *Client) SubmitExtrinsic(ctx context.Context, ext []byte) (string, error) {
	var hash string
	if err := c.conn.Call(ctx, MethodSubmitExtrinsic, []interface{}{EncodeHex(ext)}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// SubmitAndWatchExtrinsic submits an extrinsic and streams its pool status.
// Returns ErrSubscriptionsUnsupported on transports without subscriptions.
func (c *Client) SubmitAndWatchExtrinsic(ctx context.Context, ext []byte) (*StatusWatch, error) {
	sub, err := c.conn.Subscribe(ctx, MethodSubmitAndWatch, []interface{}{EncodeHex(ext)}, MethodUnwatchExtrinsic)
	if err != nil {
		return nil, err
	}
	return &StatusWatch{sub: sub}, nil
}

// StatusWatch reads extrinsic status updates.
type StatusWatch struct {
	sub *Subscription
}

// Next blocks until the next status update. It returns ErrClosed when the
// connection drops before a terminal status.
func (w *StatusWatch) Next(ctx context.Context) (ExtrinsicStatus, error) {
	select {
	case raw, ok := <-w.sub.Notifications():
		if !ok {
			return ExtrinsicStatus{}, ErrClosed
		}
		return ParseExtrinsicStatus(raw)
	case <-ctx.Done():
		return ExtrinsicStatus{}, ctx.Err()
	}
}

// Close stops watching.
func (w *StatusWatch) Close() {
	w.sub.Unsubscribe()
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/cpswap/cpswap/core/types"
)

// JSON-RPC method names served by NewServer and called by RPCClient.
const (
	MethodGetAccount       = "ledger_getAccount"
	MethodGetLeaf          = "indexer_getLeaf"
	MethodGetValidityProof = "indexer_getValidityProof"
)

// codeProofUnavailable is the JSON-RPC error code carrying ErrProofUnavailable.
const codeProofUnavailable = -32010

// RPCClient implements AccountStore and Indexer over JSON-RPC. It performs
// no retries; a limiter, when set, only throttles outgoing calls.
type RPCClient struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

// WithRateLimit throttles calls to rps requests per second with the given
// burst. Non-positive values disable throttling.
func WithRateLimit(rps float64, burst int) RPCOption {
	return func(c *RPCClient) {
		if rps <= 0 || burst <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// DialRPC connects to a JSON-RPC endpoint (http, ws or ipc).
func DialRPC(ctx context.Context, url string, opts ...RPCOption) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, url, err)
	}
	return NewRPCClient(c, opts...), nil
}

// NewRPCClient wraps an established go-ethereum rpc.Client.
func NewRPCClient(c *rpc.Client, opts ...RPCOption) *RPCClient {
	rc := &RPCClient{rpc: c}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Close closes the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

// GetAccount implements AccountStore.
func (c *RPCClient) GetAccount(ctx context.Context, addr types.Pubkey) (*types.AccountView, error) {
	var view *types.AccountView
	if err := c.call(ctx, &view, MethodGetAccount, addr); err != nil {
		return nil, err
	}
	return view, nil
}

// GetLeaf implements Indexer.
func (c *RPCClient) GetLeaf(ctx context.Context, addr types.Hash) (*Leaf, error) {
	var leaf *Leaf
	if err := c.call(ctx, &leaf, MethodGetLeaf, addr); err != nil {
		return nil, err
	}
	return leaf, nil
}

// GetValidityProof implements Indexer.
func (c *RPCClient) GetValidityProof(ctx context.Context, req ProofRequest) (*ProofResponse, error) {
	var resp *ProofResponse
	if err := c.call(ctx, &resp, MethodGetValidityProof, req); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s returned null", ErrTransport, MethodGetValidityProof)
	}
	return resp, nil
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
		}
	}
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeProofUnavailable {
		return fmt.Errorf("%w: %s", ErrProofUnavailable, rpcErr.Error())
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
}

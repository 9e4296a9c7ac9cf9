package devnet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cpswap/cpswap/core/types"
)

// JSON-RPC methods of the "dev" namespace.
const (
	MethodSetAccount       = "dev_setAccount"
	MethodApplyInstruction = "dev_applyInstruction"
)

// api serves the "dev" namespace.
type api struct {
	d *Devnet
}

// SetAccount stores view in the direct tier.
func (a *api) SetAccount(addr types.Pubkey, view types.AccountView) error {
	a.d.Put(addr, &view)
	return nil
}

// ApplyInstruction executes a migration instruction.
func (a *api) ApplyInstruction(ctx context.Context, ix types.Instruction) (int, error) {
	return a.d.Apply(ctx, &ix)
}

// Register adds the "dev" namespace to srv.
func (d *Devnet) Register(srv *rpc.Server) error {
	if err := srv.RegisterName("dev", &api{d: d}); err != nil {
		return fmt.Errorf("devnet: register dev api: %w", err)
	}
	return nil
}

// Client calls the "dev" namespace of a remote devnet.
type Client struct {
	rpc *rpc.Client
}

// NewClient wraps an established rpc.Client.
func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

// SetAccount stores view under addr on the remote devnet.
func (c *Client) SetAccount(ctx context.Context, addr types.Pubkey, view *types.AccountView) error {
	return c.rpc.CallContext(ctx, nil, MethodSetAccount, addr, view)
}

// Apply executes ix on the remote devnet.
func (c *Client) Apply(ctx context.Context, ix *types.Instruction) (int, error) {
	var n int
	if err := c.rpc.CallContext(ctx, &n, MethodApplyInstruction, ix); err != nil {
		return 0, err
	}
	return n, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cpswap/cpswap/core/types"
)

// proofUnavailableError carries ErrProofUnavailable across the wire.
type proofUnavailableError struct{ msg string }

func (e *proofUnavailableError) Error() string  { return e.msg }
func (e *proofUnavailableError) ErrorCode() int { return codeProofUnavailable }

// accountAPI serves the "ledger" namespace.
type accountAPI struct {
	store AccountStore
}

// GetAccount returns the direct-tier account or null.
func (api *accountAPI) GetAccount(ctx context.Context, addr types.Pubkey) (*types.AccountView, error) {
	return api.store.GetAccount(ctx, addr)
}

// indexerAPI serves the "indexer" namespace.
type indexerAPI struct {
	indexer Indexer
}

// GetLeaf returns the compacted-tier leaf or null.
func (api *indexerAPI) GetLeaf(ctx context.Context, addr types.Hash) (*Leaf, error) {
	return api.indexer.GetLeaf(ctx, addr)
}

// GetValidityProof proves a batch of leaves and new addresses.
func (api *indexerAPI) GetValidityProof(ctx context.Context, req ProofRequest) (*ProofResponse, error) {
	resp, err := api.indexer.GetValidityProof(ctx, req)
	if errors.Is(err, ErrProofUnavailable) {
		return nil, &proofUnavailableError{msg: err.Error()}
	}
	return resp, err
}

// NewServer exposes store and indexer under the method names RPCClient
// calls. Either may be nil to serve only one namespace.
func NewServer(store AccountStore, indexer Indexer) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if store != nil {
		if err := srv.RegisterName("ledger", &accountAPI{store: store}); err != nil {
			return nil, fmt.Errorf("ledger: register account api: %w", err)
		}
	}
	if indexer != nil {
		if err := srv.RegisterName("indexer", &indexerAPI{indexer: indexer}); err != nil {
			return nil, fmt.Errorf("ledger: register indexer api: %w", err)
		}
	}
	return srv, nil
}

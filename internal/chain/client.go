// Package chain is the engine's only window onto the network: nonce and
// balance reads, raw transaction broadcast, and receipt waiting.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrReceiptTimeout is returned when a transaction is not mined in time.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("transaction reverted")
)

// Client is the set of chain operations the engine depends on.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Pending is a broadcast transaction that may be waited on.
type Pending struct {
	Hash   common.Hash
	client Client
}

// NewPending binds hash to client so callers can wait for it even when the
// broadcast itself was coalesced.
func NewPending(c Client, hash common.Hash) *Pending {
	return &Pending{Hash: hash, client: c}
}

// Wait blocks until the transaction is mined.
func (p *Pending) Wait(ctx context.Context) (*types.Receipt, error) {
	return p.client.WaitMined(ctx, p.Hash)
}

// Broadcast sends raw and returns a Pending handle. If the node reports the
// transaction as already known, the handle is bound to expected instead and
// no error is returned.
func Broadcast(ctx context.Context, c Client, raw []byte, expected common.Hash) (*Pending, bool, error) {
	hash, err := c.SendRawTransaction(ctx, raw)
	if err != nil {
		if IsKnown(err) {
			return NewPending(c, expected), true, nil
		}
		return nil, false, err
	}
	if hash == (common.Hash{}) {
		hash = expected
	}
	return NewPending(c, hash), false, nil
}

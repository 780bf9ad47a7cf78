// Package chaintest provides an in-memory chain.Client for tests.
//
// The fake keeps native and token balances and per-account nonces. A
// submitted transaction is mined immediately when its nonce is the account's
// next nonce; a transaction with a higher nonce waits in the account's queue
// until the gap is closed. Gas is charged at the full gas limit.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/hashsend/internal/chain"
)

var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Errors mirroring the messages real nodes return.
var (
	ErrAlreadyKnown      = errors.New("already known")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
)

// SendHook intercepts a submission before the fake processes it. A non-nil
// error is returned to the caller; when apply is true the transaction is
// processed anyway, which simulates a node that accepted the transaction but
// still reported an error.
type SendHook func(tx *types.Transaction) (apply bool, err error)

// Chain is an in-memory chain.Client. The zero value is not usable; call New.
type Chain struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	block    uint64

	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
	queued   map[common.Address]map[uint64]*types.Transaction
	seen     map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt
	dropped  map[common.Hash]bool
	sent     []*types.Transaction
	mined    []*types.Transaction

	sendHook SendHook
	nonceErr error
}

var _ chain.Client = (*Chain)(nil)

// New returns an empty chain with the given id and suggested gas price.
func New(chainID int64, gasPrice *big.Int) *Chain {
	return &Chain{
		chainID:  big.NewInt(chainID),
		gasPrice: new(big.Int).Set(gasPrice),
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		queued:   make(map[common.Address]map[uint64]*types.Transaction),
		seen:     make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		dropped:  make(map[common.Hash]bool),
	}
}

// SetBalance sets the native balance of addr.
func (c *Chain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// SetTokenBalance sets the token balance of owner.
func (c *Chain) SetTokenBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenBook(token)[owner] = new(big.Int).Set(amount)
}

// SetNonce sets the next nonce of addr.
func (c *Chain) SetNonce(addr common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[addr] = n
}

// OnSend installs a submission hook.
func (c *Chain) OnSend(h SendHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = h
}

// FailNonceReads makes PendingNonceAt return err until cleared with nil.
func (c *Chain) FailNonceReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceErr = err
}

// Drop forgets a transaction so that waiting on it times out.
func (c *Chain) Drop(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[hash] = true
}

// Balance returns the native balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(addr))
}

// TokenBalance returns the token balance of owner.
func (c *Chain) TokenBalance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tokenBalance(token, owner))
}

// Nonce returns the next nonce of addr.
func (c *Chain) Nonce(addr common.Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr]
}

// Sent returns every transaction accepted for processing, in submission order.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Mined returns every mined transaction in block order.
func (c *Chain) Mined() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.mined...)
}

// SentFrom returns the accepted transactions signed by from.
func (c *Chain) SentFrom(from common.Address) []*types.Transaction {
	var out []*types.Transaction
	for _, tx := range c.Sent() {
		if sender(tx) == from {
			out = append(out, tx)
		}
	}
	return out
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	n := c.nonces[account]
	for {
		if _, ok := c.queued[account][n]; !ok {
			return n, nil
		}
		n++
	}
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), ctx.Err()
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Balance(account), nil
}

func (c *Chain) TokenBalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.TokenBalance(token, owner), nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), ctx.Err()
}

func (c *Chain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("rlp: %w", err)
	}
	if tx.ChainId().Cmp(c.chainID) != 0 {
		return common.Hash{}, fmt.Errorf("invalid chain id %s", tx.ChainId())
	}

	c.mu.Lock()
	hook := c.sendHook
	c.mu.Unlock()
	var hookErr error
	if hook != nil {
		apply, err := hook(tx)
		if err != nil && !apply {
			return common.Hash{}, err
		}
		hookErr = err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[tx.Hash()] {
		return common.Hash{}, ErrAlreadyKnown
	}
	from := sender(tx)
	if tx.Nonce() < c.nonces[from] {
		return common.Hash{}, ErrNonceTooLow
	}
	if tx.Nonce() == c.nonces[from] && c.balance(from).Cmp(tx.Cost()) < 0 {
		return common.Hash{}, ErrInsufficientFunds
	}
	c.seen[tx.Hash()] = true
	c.sent = append(c.sent, tx)
	if c.queued[from] == nil {
		c.queued[from] = make(map[uint64]*types.Transaction)
	}
	c.queued[from][tx.Nonce()] = tx
	c.promote(from)
	if hookErr != nil {
		return common.Hash{}, hookErr
	}
	return tx.Hash(), nil
}

// WaitMined returns the receipt of a mined transaction. It never blocks: a
// transaction that is still queued or was dropped reports a receipt timeout.
func (c *Chain) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok || c.dropped[hash] {
		return nil, fmt.Errorf("%w: %s", chain.ErrReceiptTimeout, hash.Hex())
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, fmt.Errorf("%w: %s", chain.ErrReverted, hash.Hex())
	}
	return r, nil
}

// promote mines queued transactions of from while their nonces are contiguous.
// Callers hold c.mu.
func (c *Chain) promote(from common.Address) {
	for {
		tx, ok := c.queued[from][c.nonces[from]]
		if !ok {
			return
		}
		delete(c.queued[from], tx.Nonce())
		if c.balance(from).Cmp(tx.Cost()) < 0 {
			// Unaffordable once reached: the node evicts it.
			c.dropped[tx.Hash()] = true
			return
		}
		c.execute(from, tx)
	}
}

func (c *Chain) execute(from common.Address, tx *types.Transaction) {
	fee := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	bal := c.balance(from)
	bal.Sub(bal, fee)
	c.nonces[from]++

	status := types.ReceiptStatusSuccessful
	switch {
	case len(tx.Data()) == 0:
		bal.Sub(bal, tx.Value())
		to := c.balance(*tx.To())
		to.Add(to, tx.Value())
	case len(tx.Data()) == 4+64 && bytes.Equal(tx.Data()[:4], transferSelector):
		recipient := common.BytesToAddress(tx.Data()[4:36])
		amount := new(big.Int).SetBytes(tx.Data()[36:68])
		book := c.tokenBook(*tx.To())
		have := c.tokenBalance(*tx.To(), from)
		if have.Cmp(amount) < 0 {
			status = types.ReceiptStatusFailed
			break
		}
		book[from] = new(big.Int).Sub(have, amount)
		book[recipient] = new(big.Int).Add(c.tokenBalance(*tx.To(), recipient), amount)
	default:
		status = types.ReceiptStatusFailed
	}

	c.block++
	c.mined = append(c.mined, tx)
	c.receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
		EffectiveGasPrice: new(big.Int).Set(tx.GasPrice()),
		BlockNumber:       new(big.Int).SetUint64(c.block),
	}
}

func (c *Chain) balance(addr common.Address) *big.Int {
	b, ok := c.balances[addr]
	if !ok {
		b = new(big.Int)
		c.balances[addr] = b
	}
	return b
}

func (c *Chain) tokenBook(token common.Address) map[common.Address]*big.Int {
	book, ok := c.tokens[token]
	if !ok {
		book = make(map[common.Address]*big.Int)
		c.tokens[token] = book
	}
	return book
}

func (c *Chain) tokenBalance(token, owner common.Address) *big.Int {
	if b, ok := c.tokens[token][owner]; ok {
		return b
	}
	return new(big.Int)
}

// Nonces returns the nonces of txs, sorted by submission order.
func Nonces(txs []*types.Transaction) []uint64 {
	out := make([]uint64, len(txs))
	for i, tx := range txs {
		out[i] = tx.Nonce()
	}
	return out
}

func sender(tx *types.Transaction) common.Address {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Address{}
	}
	return from
}

// Package funding moves exactly enough token and gas money onto an
// ephemeral signer before its transaction is broadcast, and sweeps what is
// left back to the funding account afterwards.
package funding

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

// ErrFunding wraps every failure of Fund.
var ErrFunding = errors.New("funding failed")

// PartialFundingError reports that the token transfer landed but the gas
// transfer did not. The token sits on the ephemeral signer.
type PartialFundingError struct {
	Signer  common.Address
	TokenTx common.Hash
	Err     error
}

func (e *PartialFundingError) Error() string {
	return fmt.Sprintf("%s: token sent to %s in %s but gas transfer failed: %v",
		ErrFunding, e.Signer.Hex(), e.TokenTx.Hex(), e.Err)
}

func (e *PartialFundingError) Unwrap() []error { return []error{ErrFunding, e.Err} }

// FundingPlan is what Fund sends to the signer.
type FundingPlan struct {
	Token  *big.Int // token base units, exactly the transfer amount
	Native *big.Int // wei, one instant-tier gas allotment
}

// Plan derives the funding plan for a transfer of amount at gasPrice.
func Plan(amount, gasPrice *big.Int) FundingPlan {
	native := new(big.Int).Mul(new(big.Int).SetUint64(txbuild.GasLimitInstant), gasPrice)
	return FundingPlan{Token: new(big.Int).Set(amount), Native: native}
}

// FundReceipts are the mined funding transactions.
type FundReceipts struct {
	Token  *types.Receipt
	Native *types.Receipt
}

// RefundOutcome describes what Refund did.
type RefundOutcome struct {
	Balance  *big.Int
	GasCost  *big.Int
	Swept    *big.Int    // nil when nothing was sent
	Stranded bool        // positive balance too small to pay for its own sweep
	TxHash   common.Hash // zero when nothing was sent
}

// Coordinator funds and sweeps ephemeral signers on behalf of one funding
// account.
type Coordinator struct {
	client  chain.Client
	key     *ecdsa.PrivateKey
	addr    common.Address
	token   common.Address
	chainID *big.Int
	log     zerolog.Logger
}

// New returns a Coordinator spending from the account of fundingKey.
func New(client chain.Client, fundingKey *ecdsa.PrivateKey, token common.Address, chainID *big.Int, logger *zerolog.Logger) *Coordinator {
	l := log.Funding
	if logger != nil {
		l = *logger
	}
	addr := crypto.PubkeyToAddress(fundingKey.PublicKey)
	return &Coordinator{
		client:  client,
		key:     fundingKey,
		addr:    addr,
		token:   token,
		chainID: new(big.Int).Set(chainID),
		log:     l.With().Str("funder", addr.Hex()).Logger(),
	}
}

// FundingAddress is the account funds come from and refunds go to.
func (c *Coordinator) FundingAddress() common.Address { return c.addr }

// Fund sends plan.Token of the token (nonce N) and then plan.Native wei
// (nonce N+1) from the funding account to signer, waiting for each to be
// mined. gasPrice prices both funding transactions.
func (c *Coordinator) Fund(ctx context.Context, signer common.Address, plan FundingPlan, gasPrice *big.Int) (*FundReceipts, error) {
	l := c.log.With().Str("signer", signer.Hex()).Logger()

	n, err := c.client.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %w", ErrFunding, err)
	}

	tokenTpl, err := txbuild.TokenTransfer(c.token, signer, plan.Token, n, gasPrice, txbuild.GasLimitInstant, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFunding, err)
	}
	tokenRcpt, err := c.sendAndWait(ctx, tokenTpl, c.key)
	if err != nil {
		l.Error().Err(err).Uint64("nonce", n).Msg("token funding failed")
		return nil, fmt.Errorf("%w: token transfer: %w", ErrFunding, err)
	}
	l.Info().Str("tx", tokenRcpt.TxHash.Hex()).Str("amount", txbuild.FormatUnits(plan.Token, txbuild.TokenDecimals)).Msg("token funded")

	nativeTpl := txbuild.NativeTransfer(signer, plan.Native, n+1, gasPrice, txbuild.NativeGasLimit, c.chainID)
	nativeRcpt, err := c.sendAndWait(ctx, nativeTpl, c.key)
	if err != nil {
		l.Error().Err(err).Uint64("nonce", n+1).Str("token_tx", tokenRcpt.TxHash.Hex()).Msg("gas funding failed after token landed")
		return nil, &PartialFundingError{Signer: signer, TokenTx: tokenRcpt.TxHash, Err: err}
	}
	l.Info().Str("tx", nativeRcpt.TxHash.Hex()).Str("wei", plan.Native.String()).Msg("gas funded")

	return &FundReceipts{Token: tokenRcpt, Native: nativeRcpt}, nil
}

// Refund sweeps the signer's native balance, less the cost of the sweep
// itself, back to the funding account. gasPrice is the fixed price used for
// the estimate and the sweep. A balance that cannot pay for its own sweep is
// left in place.
func (c *Coordinator) Refund(ctx context.Context, signer *ecdsa.PrivateKey, gasPrice *big.Int) (*RefundOutcome, error) {
	from := crypto.PubkeyToAddress(signer.PublicKey)
	l := c.log.With().Str("signer", from.Hex()).Logger()

	bal, err := c.client.BalanceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("refund balance: %w", err)
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(txbuild.NativeGasLimit), gasPrice)
	out := &RefundOutcome{Balance: bal, GasCost: gasCost}

	switch {
	case bal.Sign() == 0:
		l.Debug().Msg("nothing to refund")
		return out, nil
	case bal.Cmp(gasCost) <= 0:
		out.Stranded = true
		l.Warn().Str("balance_eth", txbuild.FormatEther(bal)).Str("gas_cost_eth", txbuild.FormatEther(gasCost)).Msg("balance stranded on ephemeral signer")
		return out, nil
	}

	n, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return out, fmt.Errorf("refund nonce: %w", err)
	}
	value := new(big.Int).Sub(bal, gasCost)
	tpl := txbuild.NativeTransfer(c.addr, value, n, gasPrice, txbuild.NativeGasLimit, c.chainID)
	rcpt, err := c.sendAndWait(ctx, tpl, signer)
	if err != nil {
		return out, fmt.Errorf("refund: %w", err)
	}
	out.Swept, out.TxHash = value, rcpt.TxHash
	l.Info().Str("tx", rcpt.TxHash.Hex()).Str("swept_eth", txbuild.FormatEther(value)).Msg("refunded")
	return out, nil
}

func (c *Coordinator) sendAndWait(ctx context.Context, tpl txbuild.Template, key *ecdsa.PrivateKey) (*types.Receipt, error) {
	tx, raw, err := tpl.Sign(key)
	if err != nil {
		return nil, err
	}
	pending, _, err := chain.Broadcast(ctx, c.client, raw, tx.Hash())
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

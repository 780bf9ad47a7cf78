// Package nonce closes gaps in an account's nonce sequence with zero-value
// self-transfers so that a transaction signed at a later nonce can be mined.
package nonce

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

// ErrGapFill wraps any filler failure that is not an idempotent no-op.
var ErrGapFill = errors.New("gap-fill failed")

// DefaultStep is the gas price increment between consecutive fillers.
var DefaultStep = txbuild.GweiToWei(1)

// Reconciler submits filler transactions.
type Reconciler struct {
	client  chain.Client
	chainID *big.Int
	step    *big.Int
	wait    bool
	log     zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStep sets the per-filler gas price increment.
func WithStep(step *big.Int) Option {
	return func(r *Reconciler) {
		if step != nil && step.Sign() > 0 {
			r.step = new(big.Int).Set(step)
		}
	}
}

// WithWaitMined makes FillGap wait for each filler to be mined before
// sending the next one.
func WithWaitMined() Option {
	return func(r *Reconciler) { r.wait = true }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New returns a Reconciler sending on client for chainID.
func New(client chain.Client, chainID *big.Int, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:  client,
		chainID: new(big.Int).Set(chainID),
		step:    new(big.Int).Set(DefaultStep),
		log:     log.Nonce,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report lists what FillGap did.
type Report struct {
	Sent    []common.Hash // fillers accepted by the node
	Skipped []uint64      // nonces already known or mined
}

// FillerGasPrice is the gas price of the filler at nonce n when filling from
// from: base + step*(n-from+1).
func FillerGasPrice(base, step *big.Int, from, n uint64) *big.Int {
	inc := new(big.Int).Mul(step, new(big.Int).SetUint64(n-from+1))
	return inc.Add(inc, base)
}

// FillGap sends one filler per nonce in [from, to), in order. Gas prices
// strictly increase with the nonce. A filler the node already knows or whose
// nonce was already mined is skipped; any other failure stops the fill and
// returns ErrGapFill.
func (r *Reconciler) FillGap(ctx context.Context, key *ecdsa.PrivateKey, from, to uint64, baseGasPrice *big.Int) (*Report, error) {
	rep := &Report{}
	if from >= to {
		return rep, nil
	}
	if key == nil {
		return rep, fmt.Errorf("%w: %w", ErrGapFill, txbuild.ErrNilKey)
	}
	if baseGasPrice == nil {
		return rep, fmt.Errorf("%w: %w", ErrGapFill, txbuild.ErrNilGasPrice)
	}
	self := crypto.PubkeyToAddress(key.PublicKey)
	l := r.log.With().Str("account", self.Hex()).Uint64("from", from).Uint64("to", to).Logger()
	l.Info().Msg("filling nonce gap")

	for n := from; n < to; n++ {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("%w at nonce %d: %w", ErrGapFill, n, err)
		}
		price := FillerGasPrice(baseGasPrice, r.step, from, n)
		tx, raw, err := txbuild.Filler(self, n, price, r.chainID).Sign(key)
		if err != nil {
			return rep, fmt.Errorf("%w at nonce %d: %w", ErrGapFill, n, err)
		}

		pending, known, err := chain.Broadcast(ctx, r.client, raw, tx.Hash())
		switch {
		case err != nil && chain.NonceConsumed(err):
			l.Debug().Uint64("nonce", n).Msg("filler nonce already used")
			rep.Skipped = append(rep.Skipped, n)
			continue
		case err != nil:
			l.Error().Err(err).Uint64("nonce", n).Str("kind", chain.Classify(err).String()).Msg("filler rejected")
			return rep, fmt.Errorf("%w at nonce %d: %w", ErrGapFill, n, err)
		case known:
			l.Debug().Uint64("nonce", n).Str("tx", tx.Hash().Hex()).Msg("filler already known")
			rep.Skipped = append(rep.Skipped, n)
		default:
			l.Debug().Uint64("nonce", n).Str("tx", tx.Hash().Hex()).Str("gas_price_gwei", txbuild.FormatGwei(price)).Msg("filler sent")
			rep.Sent = append(rep.Sent, pending.Hash)
		}

		if r.wait {
			if _, err := pending.Wait(ctx); err != nil {
				return rep, fmt.Errorf("%w: filler %d not mined: %w", ErrGapFill, n, err)
			}
		}
	}
	l.Info().Int("sent", len(rep.Sent)).Int("skipped", len(rep.Skipped)).Msg("nonce gap filled")
	return rep, nil
}

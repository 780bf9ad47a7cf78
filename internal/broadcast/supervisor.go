// Package broadcast drives a search result onto the chain: nonce
// reconciliation, ephemeral signer funding, broadcast, receipt wait and
// refund, in that order and once each.
package broadcast

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/funding"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/ledger"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/nonce"
)

// DefaultRefundTimeout bounds a refund that runs while unwinding a failed or
// cancelled pipeline.
const DefaultRefundTimeout = 2 * time.Minute

// Journal records consumed results. *ledger.Ledger implements it.
type Journal interface {
	Claim(rec ledger.Record) error
	Mark(h common.Hash, state, errMsg string) error
}

// Config wires a Supervisor to one funding account.
type Config struct {
	Client     chain.Client
	FundingKey *ecdsa.PrivateKey
	Token      common.Address
	ChainID    *big.Int

	FillerStep    *big.Int // default nonce.DefaultStep
	WaitFillers   bool
	RefundTimeout time.Duration
	Journal       Journal // optional
	Locker        *Locker // optional; shared between supervisors of one account
	Logger        *zerolog.Logger
	Tracer        trace.Tracer // default: the global otel provider
}

const tracerName = "github.com/ligun0805/hashsend/internal/broadcast"

// Outcome is the result of a successful pipeline.
type Outcome struct {
	Receipt      *types.Receipt
	SignedRawTx  []byte
	TxHash       common.Hash
	AlreadyKnown bool

	Fillers   *nonce.Report
	Funding   *funding.FundReceipts
	Refund    *funding.RefundOutcome
	RefundErr error
}

// Supervisor runs the broadcast pipeline for results of one funding account.
type Supervisor struct {
	// OnTransition observes every state change. Set before use.
	OnTransition func(from, to State)

	client        chain.Client
	key           *ecdsa.PrivateKey
	addr          common.Address
	token         common.Address
	reconciler    *nonce.Reconciler
	funder        *funding.Coordinator
	journal       Journal
	locker        *Locker
	refundTimeout time.Duration
	log           zerolog.Logger
	tracer        trace.Tracer
}

// New builds a Supervisor from cfg.
func New(cfg Config) (*Supervisor, error) {
	switch {
	case cfg.Client == nil:
		return nil, errors.New("broadcast: nil chain client")
	case cfg.FundingKey == nil:
		return nil, errors.New("broadcast: nil funding key")
	case cfg.ChainID == nil:
		return nil, errors.New("broadcast: nil chain id")
	}
	l := log.Broadcast
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	addr := crypto.PubkeyToAddress(cfg.FundingKey.PublicKey)
	l = l.With().Str("account", addr.Hex()).Logger()

	opts := []nonce.Option{nonce.WithLogger(l), nonce.WithStep(cfg.FillerStep)}
	if cfg.WaitFillers {
		opts = append(opts, nonce.WithWaitMined())
	}
	s := &Supervisor{
		client:        cfg.Client,
		key:           cfg.FundingKey,
		addr:          addr,
		token:         cfg.Token,
		reconciler:    nonce.New(cfg.Client, cfg.ChainID, opts...),
		funder:        funding.New(cfg.Client, cfg.FundingKey, cfg.Token, cfg.ChainID, &l),
		journal:       cfg.Journal,
		locker:        cfg.Locker,
		refundTimeout: cfg.RefundTimeout,
		log:           l,
		tracer:        cfg.Tracer,
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.locker == nil {
		s.locker = NewLocker()
	}
	if s.refundTimeout <= 0 {
		s.refundTimeout = DefaultRefundTimeout
	}
	return s, nil
}

// Account is the funding account address.
func (s *Supervisor) Account() common.Address { return s.addr }

// run is the state of one pipeline execution.
type run struct {
	s      *Supervisor
	res    *hashsearch.Result
	amount *big.Int // decoded from the signed transfer
	state  State
	log    zerolog.Logger
	span   trace.Span
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("transition")
	r.span.AddEvent(next.String())
	if r.s.OnTransition != nil {
		r.s.OnTransition(prev, next)
	}
	if r.s.journal != nil && next != Failed {
		if err := r.s.journal.Mark(r.res.TxHash, next.String(), ""); err != nil {
			r.log.Warn().Err(err).Msg("journal update failed")
		}
	}
}

func (r *run) fail(sentinel, cause error) error {
	failedIn := r.state
	wrapped := cause
	if !errors.Is(cause, sentinel) {
		wrapped = fmt.Errorf("%w: %w", sentinel, cause)
	}
	err := &StepError{State: failedIn, Err: wrapped}
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, sentinel.Error())
	r.log.Error().Err(cause).Str("state", failedIn.String()).Msg(sentinel.Error())
	r.to(Failed)
	if r.s.journal != nil {
		if jerr := r.s.journal.Mark(r.res.TxHash, Failed.String(), err.Error()); jerr != nil {
			r.log.Warn().Err(jerr).Msg("journal update failed")
		}
	}
	return err
}

// Broadcast consumes res. It returns a *StepError when any step before the
// receipt fails; a failed refund is reported in Outcome.RefundErr only.
func (s *Supervisor) Broadcast(ctx context.Context, res *hashsearch.Result) (*Outcome, error) {
	amount, err := s.check(res)
	if err != nil {
		return nil, &StepError{State: PendingReconcile, Err: err}
	}
	unlock, err := s.locker.Lock(ctx, s.addr)
	if err != nil {
		return nil, &StepError{State: PendingReconcile, Err: err}
	}
	defer unlock()

	ctx, span := s.tracer.Start(ctx, "broadcast", trace.WithAttributes(
		attribute.String("hashsend.funding_account", s.addr.Hex()),
		attribute.String("hashsend.tx_hash", res.TxHash.Hex()),
		attribute.String("hashsend.signer", res.From.Hex()),
		attribute.String("hashsend.strategy", res.Strategy.String()),
		attribute.Int64("hashsend.nonce_gap", int64(res.Gap())),
	))
	defer span.End()

	r := &run{
		s:      s,
		res:    res,
		amount: amount,
		state:  PendingReconcile,
		log:    s.log.With().Str("tx", res.TxHash.Hex()).Logger(),
		span:   span,
	}
	if s.journal != nil {
		err := s.journal.Claim(ledger.Record{
			TxHash:   res.TxHash,
			From:     res.From,
			Nonce:    res.Nonce,
			Strategy: res.Strategy.String(),
			State:    PendingReconcile.String(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "journal claim")
			return nil, &StepError{State: PendingReconcile, Err: err}
		}
	}
	return r.execute(ctx)
}

// check validates res and returns the token amount its signed transfer
// carries. Funding is planned from that amount, so a result whose
// transaction moves a different token or amount is refused.
func (s *Supervisor) check(res *hashsearch.Result) (*big.Int, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: nil result", ErrInvalidResult)
	}
	if err := res.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	tok, _, amount, err := res.Transfer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	if tok != s.token {
		return nil, fmt.Errorf("%w: transfers token %s, supervisor funds %s", ErrInvalidResult, tok.Hex(), s.token.Hex())
	}
	if res.Ephemeral() {
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: ephemeral result without a token amount", ErrInvalidResult)
		}
	} else if res.From != s.addr {
		return nil, fmt.Errorf("%w: signed by %s, supervisor spends from %s", ErrInvalidResult, res.From.Hex(), s.addr.Hex())
	}
	return amount, nil
}

func (r *run) execute(ctx context.Context) (_ *Outcome, err error) {
	s, res := r.s, r.res
	out := &Outcome{SignedRawTx: res.SignedRawTx, TxHash: res.TxHash}
	funded := false

	defer func() {
		if err == nil || !funded {
			return
		}
		// Unwinding after funding: sweep the gas money back even when ctx
		// is what made us fail.
		if ro, rerr := r.refund(ctx); rerr != nil {
			r.log.Error().Err(rerr).Msg("refund on unwind failed")
		} else if ro.Swept != nil {
			r.log.Info().Str("refund_tx", ro.TxHash.Hex()).Msg("refunded on unwind")
		}
	}()

	// PendingReconcile
	want, got, err := r.freshNonce(ctx)
	if err != nil {
		return nil, r.fail(ErrReconcile, err)
	}
	if got != want {
		return nil, r.fail(ErrStaleResult, fmt.Errorf("pending nonce is %d, result expects %d", got, want))
	}
	if res.Nonce > res.InitialNonce {
		rep, err := s.reconciler.FillGap(ctx, s.key, res.InitialNonce, res.Nonce, res.GasPrice)
		out.Fillers = rep
		if err != nil {
			return nil, r.fail(ErrReconcile, err)
		}
	}

	if res.Ephemeral() {
		r.to(PendingFund)
		plan := funding.Plan(r.amount, res.GasPrice)
		receipts, err := s.funder.Fund(ctx, res.SignerAddress(), plan, res.GasPrice)
		var partial *funding.PartialFundingError
		if errors.As(err, &partial) {
			// The gas transfer may still land; let the unwind sweep it.
			funded = true
			r.log.Warn().Str("signer", partial.Signer.Hex()).Str("token_tx", partial.TokenTx.Hex()).Msg("token stranded on ephemeral signer")
		}
		if err != nil {
			return nil, r.fail(ErrFunding, err)
		}
		out.Funding = receipts
		funded = true
	}

	r.to(Broadcasting)
	pending, known, err := chain.Broadcast(ctx, s.client, res.SignedRawTx, res.TxHash)
	if err != nil {
		return nil, r.fail(ErrBroadcast, err)
	}
	if known {
		r.log.Info().Msg("transaction already known, waiting on precomputed hash")
	}
	out.AlreadyKnown = known

	r.to(WaitingReceipt)
	rcpt, err := pending.Wait(ctx)
	if err != nil {
		return nil, r.fail(ErrReceipt, err)
	}
	out.Receipt = rcpt
	r.span.SetAttributes(attribute.Int64("hashsend.block", rcpt.BlockNumber.Int64()))
	r.log.Info().Uint64("block", rcpt.BlockNumber.Uint64()).Uint64("gas_used", rcpt.GasUsed).Msg("mined")

	if res.Ephemeral() {
		r.to(PendingRefund)
		funded = false
		ro, rerr := r.refund(ctx)
		out.Refund, out.RefundErr = ro, rerr
		if rerr != nil {
			r.span.RecordError(rerr)
			r.log.Error().Err(rerr).Msg("refund failed")
		} else if ro.Swept != nil {
			r.span.SetAttributes(attribute.String("hashsend.refund_tx", ro.TxHash.Hex()))
		}
	}

	r.to(Done)
	return out, nil
}

// refund sweeps the ephemeral signer on a context that survives
// cancellation of the pipeline.
func (r *run) refund(ctx context.Context) (*funding.RefundOutcome, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.refundTimeout)
	defer cancel()
	return r.s.funder.Refund(rctx, r.res.Signer, r.res.GasPrice)
}

// freshNonce returns the pending nonce the result was searched against and
// the one the chain reports now.
func (r *run) freshNonce(ctx context.Context) (want, got uint64, err error) {
	res := r.res
	addr := r.s.addr
	want = res.InitialNonce
	if res.Ephemeral() {
		addr, want = res.SignerAddress(), 0
	}
	got, err = r.s.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return want, 0, fmt.Errorf("pending nonce of %s: %w", addr.Hex(), err)
	}
	return want, got, nil
}

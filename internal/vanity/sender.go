// Package vanity is the caller-facing entry point: it turns a transfer
// request into a mined transaction whose hash ends in the requested
// character.
package vanity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ligun0805/hashsend/internal/broadcast"
	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/txbuild"
	"github.com/ligun0805/hashsend/internal/wallet"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrChainMismatch  = errors.New("provider chain id does not match configuration")
)

// Request is one vanity transfer. Every field is text so requests can come
// straight from flags, env or CSV rows.
type Request struct {
	FundingKey string // hex private key of the funding account
	Token      string // ERC-20 contract
	Receiver   string
	Amount     string // decimal token amount, e.g. "12.5"
	Target     string // one lowercase hex character, taken verbatim
	GasTier    string // average, fast or instant; empty means average
	Strategy   string // fresh or nonce; empty means fresh
}

// Parsed is a validated Request.
type Parsed struct {
	Key      *ecdsa.PrivateKey
	Funder   common.Address
	Token    common.Address
	Receiver common.Address
	Amount   *big.Int
	Target   string
	Tier     txbuild.GasTier
	Strategy hashsearch.Strategy
}

// Parse validates req without touching the network.
func Parse(req Request) (*Parsed, error) {
	target, err := hashsearch.ValidateTarget(req.Target)
	if err != nil {
		return nil, err
	}
	strategy, err := hashsearch.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	tier, err := txbuild.ParseGasTier(req.GasTier)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.FundingKey) == "" {
		return nil, hashsearch.ErrMissingSigner
	}
	key, err := wallet.ParsePrivateKey(req.FundingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hashsearch.ErrMissingSigner, err)
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		return nil, err
	}
	amount, err := txbuild.ParseUnits(req.Amount, txbuild.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return &Parsed{
		Key:      key,
		Funder:   wallet.Address(key),
		Token:    token,
		Receiver: receiver,
		Amount:   amount,
		Target:   string(target),
		Tier:     tier,
		Strategy: strategy,
	}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrInvalidAddress, field, s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s is the zero address", ErrInvalidAddress, field)
	}
	return a, nil
}

// Providers hands out the chain client serving an account. *chain.Pool
// implements it.
type Providers interface {
	For(addr common.Address) chain.Client
}

// Config wires a Sender.
type Config struct {
	Providers Providers
	Engine    *hashsearch.Engine  // default: single worker
	Keys      hashsearch.KeySource // ephemeral keys; default random
	ChainID   *big.Int             // optional; checked against the provider

	Journal       broadcast.Journal
	Locker        *broadcast.Locker
	FillerStep    *big.Int
	WaitFillers   bool
	RefundTimeout time.Duration
	Logger        *zerolog.Logger
}

// Sender mines and broadcasts vanity transfers. It is safe for concurrent
// use; pipelines of the same funding account are serialized.
type Sender struct {
	cfg Config
	log zerolog.Logger
	// jobs serializes whole Send calls per funding account in batches, so a
	// nonce search never starts from a nonce another row is about to use.
	jobs *broadcast.Locker
}

// New returns a Sender.
func New(cfg Config) (*Sender, error) {
	if cfg.Providers == nil {
		return nil, chain.ErrNoProviders
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	if cfg.Engine == nil {
		cfg.Engine = hashsearch.NewEngine(cfg.Logger)
	}
	if cfg.Locker == nil {
		cfg.Locker = broadcast.NewLocker()
	}
	return &Sender{cfg: cfg, log: l, jobs: broadcast.NewLocker()}, nil
}

// Engine returns the search engine, e.g. to read its attempt counter.
func (s *Sender) Engine() *hashsearch.Engine { return s.cfg.Engine }

// Mine validates req, reads chain id, gas price and the funding account's
// pending nonce, then searches. Nothing is broadcast.
func (s *Sender) Mine(ctx context.Context, req Request) (*hashsearch.Result, error) {
	p, err := Parse(req)
	if err != nil {
		return nil, err
	}
	return s.MineParsed(ctx, p)
}

// MineParsed is Mine for an already validated request.
func (s *Sender) MineParsed(ctx context.Context, p *Parsed) (*hashsearch.Result, error) {
	client := s.cfg.Providers.For(p.Funder)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if s.cfg.ChainID != nil && s.cfg.ChainID.Sign() > 0 && s.cfg.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: provider %s, configured %s", ErrChainMismatch, chainID, s.cfg.ChainID)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	nonce, err := client.PendingNonceAt(ctx, p.Funder)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	tpl, err := txbuild.TokenTransfer(p.Token, p.Receiver, p.Amount, 0, gasPrice, txbuild.TokenGasLimit(p.Tier), chainID)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("funder", p.Funder.Hex()).
		Str("receiver", p.Receiver.Hex()).
		Str("amount", txbuild.FormatUnits(p.Amount, txbuild.TokenDecimals)).
		Str("gas_price_gwei", txbuild.FormatGwei(gasPrice)).
		Str("tier", string(p.Tier)).
		Msg("mining")

	return s.cfg.Engine.Search(ctx, hashsearch.Request{
		Template:     tpl,
		Target:       p.Target,
		Strategy:     p.Strategy,
		FundingKey:   p.Key,
		InitialNonce: nonce,
		Keys:         s.cfg.Keys,
		Amount:       p.Amount,
	})
}

// Broadcast runs the broadcast pipeline for res on behalf of the funding
// account and token of req.
func (s *Sender) Broadcast(ctx context.Context, req Request, res *hashsearch.Result) (*broadcast.Outcome, error) {
	p, err := Parse(req)
	if err != nil {
		return nil, err
	}
	return s.BroadcastParsed(ctx, p, res)
}

// BroadcastParsed is Broadcast for an already validated request.
func (s *Sender) BroadcastParsed(ctx context.Context, p *Parsed, res *hashsearch.Result) (*broadcast.Outcome, error) {
	sup, err := s.supervisor(p, res)
	if err != nil {
		return nil, err
	}
	return sup.Broadcast(ctx, res)
}

// BroadcastRaw gets a transaction printed by an earlier nonce-increment
// search mined. raw must be signed by fundingKey; the nonces between the
// account's pending nonce and the transaction's are filled first. Results of
// fresh-wallet searches cannot be resumed this way: their signer was never
// funded.
func (s *Sender) BroadcastRaw(ctx context.Context, fundingKey string, raw []byte) (*hashsearch.Result, *broadcast.Outcome, error) {
	if strings.TrimSpace(fundingKey) == "" {
		return nil, nil, hashsearch.ErrMissingSigner
	}
	key, err := wallet.ParsePrivateKey(fundingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", hashsearch.ErrMissingSigner, err)
	}
	funder := wallet.Address(key)
	tx, err := txbuild.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", broadcast.ErrInvalidResult, err)
	}
	if tx.To() == nil {
		return nil, nil, fmt.Errorf("%w: contract creation", broadcast.ErrInvalidResult)
	}
	from, err := txbuild.Sender(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", broadcast.ErrInvalidResult, err)
	}
	if from != funder {
		return nil, nil, fmt.Errorf("%w: signed by %s, not the funding account %s", broadcast.ErrInvalidResult, from.Hex(), funder.Hex())
	}
	if s.cfg.ChainID != nil && s.cfg.ChainID.Sign() > 0 && s.cfg.ChainID.Cmp(tx.ChainId()) != 0 {
		return nil, nil, fmt.Errorf("%w: transaction %s, configured %s", ErrChainMismatch, tx.ChainId(), s.cfg.ChainID)
	}

	pending, err := s.cfg.Providers.For(funder).PendingNonceAt(ctx, funder)
	if err != nil {
		return nil, nil, fmt.Errorf("pending nonce: %w", err)
	}
	res, err := hashsearch.FromSignedNonceTx(raw, pending)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", broadcast.ErrStaleResult, err)
	}
	s.log.Info().
		Str("funder", funder.Hex()).
		Str("tx", res.TxHash.Hex()).
		Uint64("nonce", res.Nonce).
		Uint64("gap", res.Gap()).
		Msg("resuming signed transaction")

	p := &Parsed{Key: key, Funder: funder, Token: *tx.To()}
	out, err := s.BroadcastParsed(ctx, p, res)
	return res, out, err
}

// Send mines and then broadcasts.
func (s *Sender) Send(ctx context.Context, req Request) (*hashsearch.Result, *broadcast.Outcome, error) {
	p, err := Parse(req)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.MineParsed(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.BroadcastParsed(ctx, p, res)
	return res, out, err
}

// Job wraps Send as a batch job. Jobs of the same funding account run one
// after another.
func (s *Sender) Job(name string, req Request) broadcast.Job {
	return broadcast.Job{Name: name, Run: func(ctx context.Context) (*broadcast.Outcome, error) {
		p, err := Parse(req)
		if err != nil {
			return nil, err
		}
		unlock, err := s.jobs.Lock(ctx, p.Funder)
		if err != nil {
			return nil, err
		}
		defer unlock()
		res, err := s.MineParsed(ctx, p)
		if err != nil {
			return nil, err
		}
		return s.BroadcastParsed(ctx, p, res)
	}}
}

func (s *Sender) supervisor(p *Parsed, res *hashsearch.Result) (*broadcast.Supervisor, error) {
	if res == nil || len(res.SignedRawTx) == 0 {
		return nil, broadcast.ErrInvalidResult
	}
	tx, err := txbuild.Decode(res.SignedRawTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broadcast.ErrInvalidResult, err)
	}
	return broadcast.New(broadcast.Config{
		Client:        s.cfg.Providers.For(p.Funder),
		FundingKey:    p.Key,
		Token:         p.Token,
		ChainID:       tx.ChainId(),
		FillerStep:    s.cfg.FillerStep,
		WaitFillers:   s.cfg.WaitFillers,
		RefundTimeout: s.cfg.RefundTimeout,
		Journal:       s.cfg.Journal,
		Locker:        s.cfg.Locker,
		Logger:        s.cfg.Logger,
	})
}

package vanity

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/hashsend/internal/broadcast"
	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/chain/chaintest"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/ledger"
	"github.com/ligun0805/hashsend/internal/txbuild"
	"github.com/ligun0805/hashsend/internal/wallet"
)

const (
	funderHex   = "0x8f49e4492f97ca6334e15117fc6c4c06f4652cac7fb27ed4ecc5ef9ea6ad5820"
	tokenHex    = "0x59bE1932048F76f9B0e8e5f6AcCf5Fd8D53136DD"
	receiverHex = "0xAC4885A9d09229DD2eA233Cd385a3171E0907906"
	mnemonic    = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

// countingProviders serves one client and counts lookups.
type countingProviders struct {
	client chain.Client
	calls  atomic.Int32
}

func (p *countingProviders) For(common.Address) chain.Client {
	p.calls.Add(1)
	return p.client
}

func validRequest() Request {
	return Request{
		FundingKey: funderHex,
		Token:      tokenHex,
		Receiver:   receiverHex,
		Amount:     "5",
		Target:     "c",
	}
}

func newChain(t *testing.T) (*chaintest.Chain, common.Address) {
	t.Helper()
	key, err := wallet.ParsePrivateKey(funderHex)
	require.NoError(t, err)
	funder := crypto.PubkeyToAddress(key.PublicKey)

	c := chaintest.New(56, txbuild.GweiToWei(3))
	c.SetBalance(funder, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	tokens, err := txbuild.ParseUnits("1000", txbuild.TokenDecimals)
	require.NoError(t, err)
	c.SetTokenBalance(common.HexToAddress(tokenHex), funder, tokens)
	return c, funder
}

func newSender(t *testing.T, p Providers, mod func(*Config)) *Sender {
	t.Helper()
	l := zerolog.Nop()
	cfg := Config{Providers: p, Logger: &l}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Request)
		err  error
	}{
		{"target too long", func(r *Request) { r.Target = "ab" }, hashsearch.ErrInvalidTarget},
		{"target not hex", func(r *Request) { r.Target = "g" }, hashsearch.ErrInvalidTarget},
		{"target uppercase", func(r *Request) { r.Target = "C" }, hashsearch.ErrInvalidTarget},
		{"target padded", func(r *Request) { r.Target = " c " }, hashsearch.ErrInvalidTarget},
		{"no key", func(r *Request) { r.FundingKey = " " }, hashsearch.ErrMissingSigner},
		{"bad key", func(r *Request) { r.FundingKey = "0x1234" }, hashsearch.ErrMissingSigner},
		{"bad receiver", func(r *Request) { r.Receiver = "0x1234" }, ErrInvalidAddress},
		{"zero token", func(r *Request) { r.Token = "0x0000000000000000000000000000000000000000" }, ErrInvalidAddress},
		{"amount text", func(r *Request) { r.Amount = "five" }, ErrInvalidAmount},
		{"amount zero", func(r *Request) { r.Amount = "0.0" }, ErrInvalidAmount},
		{"amount negative", func(r *Request) { r.Amount = "-1" }, ErrInvalidAmount},
		{"strategy", func(r *Request) { r.Strategy = "guess" }, hashsearch.ErrInvalidStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mod(&req)
			_, err := Parse(req)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	req := validRequest()
	req.GasTier = "ludicrous"
	_, err := Parse(req)
	assert.Error(t, err)
}

func TestParseNormalizes(t *testing.T) {
	req := validRequest()
	req.Target = "e"
	req.GasTier = "FAST"
	req.Strategy = "nonce"
	req.Amount = "1.25"
	p, err := Parse(req)
	require.NoError(t, err)
	assert.Equal(t, "e", p.Target)
	assert.Equal(t, txbuild.TierFast, p.Tier)
	assert.Equal(t, hashsearch.NonceIncrement, p.Strategy)
	assert.Equal(t, "1250000000000000000", p.Amount.String())
	assert.Equal(t, common.HexToAddress(receiverHex), p.Receiver)
}

func TestMineValidatesBeforeIO(t *testing.T) {
	c, _ := newChain(t)
	p := &countingProviders{client: c}
	s := newSender(t, p, nil)

	req := validRequest()
	req.Target = "xyz"
	_, err := s.Mine(context.Background(), req)
	require.ErrorIs(t, err, hashsearch.ErrInvalidTarget)
	assert.Zero(t, p.calls.Load())
}

func TestSendFreshWallet(t *testing.T) {
	c, funder := newChain(t)
	s := newSender(t, &countingProviders{client: c}, nil)

	res, out, err := s.Send(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, byte('c'), hashsearch.LastHexChar(res.TxHash))
	assert.True(t, res.Ephemeral())
	assert.Equal(t, res.TxHash, out.Receipt.TxHash)

	want, err := txbuild.ParseUnits("5", txbuild.TokenDecimals)
	require.NoError(t, err)
	assert.Equal(t, want, c.TokenBalance(common.HexToAddress(tokenHex), common.HexToAddress(receiverHex)))
	assert.Len(t, c.SentFrom(funder), 2)
	assert.Zero(t, c.Balance(res.SignerAddress()).Sign())
}

func TestSendNonceIncrement(t *testing.T) {
	c, funder := newChain(t)
	c.SetNonce(funder, 3)
	s := newSender(t, &countingProviders{client: c}, nil)

	req := validRequest()
	req.Strategy = "nonce"
	req.GasTier = "instant"
	res, out, err := s.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.InitialNonce)
	assert.Equal(t, res.TxHash, out.Receipt.TxHash)

	sent := c.SentFrom(funder)
	require.Len(t, sent, int(res.Gap())+1)
	for i, tx := range sent {
		assert.Equal(t, uint64(3+i), tx.Nonce())
	}
	assert.Equal(t, txbuild.GasLimitInstant, sent[len(sent)-1].Gas())
	assert.Equal(t, res.Nonce+1, c.Nonce(funder))
}

func TestMnemonicKeysAreRecoverable(t *testing.T) {
	c, _ := newChain(t)
	keys, err := wallet.NewHDKeys(mnemonic, "", 0)
	require.NoError(t, err)
	s := newSender(t, &countingProviders{client: c}, func(cfg *Config) { cfg.Keys = keys })

	res, err := s.Mine(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, uint32(res.Attempts), keys.Index())

	again, err := wallet.NewHDKeys(mnemonic, "", 0)
	require.NoError(t, err)
	k, err := again.At(uint32(res.Attempts - 1))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(k.PublicKey), res.SignerAddress())
}

func TestChainMismatch(t *testing.T) {
	c, _ := newChain(t)
	s := newSender(t, &countingProviders{client: c}, func(cfg *Config) { cfg.ChainID = big.NewInt(1) })
	_, err := s.Mine(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestBroadcastConsumesOnce(t *testing.T) {
	c, _ := newChain(t)
	j, err := ledger.Open("")
	require.NoError(t, err)
	defer j.Close()
	s := newSender(t, &countingProviders{client: c}, func(cfg *Config) { cfg.Journal = j })

	req := validRequest()
	res, err := s.Mine(context.Background(), req)
	require.NoError(t, err)
	_, err = s.Broadcast(context.Background(), req, res)
	require.NoError(t, err)
	_, err = s.Broadcast(context.Background(), req, res)
	assert.ErrorIs(t, err, ledger.ErrAlreadyConsumed)
}

func TestNewRequiresProviders(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, chain.ErrNoProviders)
}

func TestJobsOfOneAccountRunInTurn(t *testing.T) {
	c, funder := newChain(t)
	c.SetNonce(funder, 20)
	s := newSender(t, &countingProviders{client: c}, nil)

	req := validRequest()
	req.Strategy = "nonce"
	other := req
	other.Target = "7"
	bad := req
	bad.Amount = "nope"

	results := broadcast.RunBatch(context.Background(), []broadcast.Job{
		s.Job("first", req),
		s.Job("second", other),
		s.Job("bad", bad),
	}, 3)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrInvalidAmount)

	// Every nonce from 20 up was used exactly once and in order.
	nonces := chaintest.Nonces(c.SentFrom(funder))
	for i, n := range nonces {
		assert.Equal(t, uint64(20+i), n)
	}
	assert.Equal(t, uint64(20+len(nonces)), c.Nonce(funder))
}

func TestBroadcastRawResumesNonceResult(t *testing.T) {
	c, funder := newChain(t)
	c.SetNonce(funder, 7)
	s := newSender(t, &countingProviders{client: c}, nil)

	req := validRequest()
	req.Strategy = "nonce"
	mined, err := s.Mine(context.Background(), req)
	require.NoError(t, err)

	res, out, err := s.BroadcastRaw(context.Background(), funderHex, mined.SignedRawTx)
	require.NoError(t, err)
	assert.Equal(t, mined.TxHash, out.Receipt.TxHash)
	assert.Equal(t, uint64(7), res.InitialNonce)
	sent := c.SentFrom(funder)
	require.Len(t, sent, int(mined.Nonce-7)+1)
	assert.Equal(t, mined.Nonce, sent[len(sent)-1].Nonce())
	assert.Equal(t, mined.Nonce+1, c.Nonce(funder))

	want, err := txbuild.ParseUnits("5", txbuild.TokenDecimals)
	require.NoError(t, err)
	assert.Equal(t, want, c.TokenBalance(common.HexToAddress(tokenHex), common.HexToAddress(receiverHex)))

	// The nonce is spent now.
	_, _, err = s.BroadcastRaw(context.Background(), funderHex, mined.SignedRawTx)
	assert.ErrorIs(t, err, broadcast.ErrStaleResult)
}

func TestBroadcastRawRefusesForeignSigners(t *testing.T) {
	c, _ := newChain(t)
	s := newSender(t, &countingProviders{client: c}, nil)

	fresh, err := s.Mine(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, fresh.Ephemeral())

	_, _, err = s.BroadcastRaw(context.Background(), funderHex, fresh.SignedRawTx)
	assert.ErrorIs(t, err, broadcast.ErrInvalidResult)
	_, _, err = s.BroadcastRaw(context.Background(), "", fresh.SignedRawTx)
	assert.ErrorIs(t, err, hashsearch.ErrMissingSigner)
	_, _, err = s.BroadcastRaw(context.Background(), funderHex, []byte{0xc0})
	assert.ErrorIs(t, err, broadcast.ErrInvalidResult)
	assert.Empty(t, c.Sent())
}

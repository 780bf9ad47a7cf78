package broadcast

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/chain/chaintest"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/ledger"
	"github.com/ligun0805/hashsend/internal/nonce"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

const testChainID = 56

var (
	token    = common.HexToAddress("0x59bE1932048F76f9B0e8e5f6AcCf5Fd8D53136DD")
	receiver = common.HexToAddress("0xAC4885A9d09229DD2eA233Cd385a3171E0907906")
	gasPrice = txbuild.GweiToWei(2)
	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type env struct {
	t      *testing.T
	chain  *chaintest.Chain
	key    *ecdsa.PrivateKey
	funder common.Address
	amount *big.Int

	mu          sync.Mutex
	transitions []State
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := crypto.HexToECDSA("8f49e4492f97ca6334e15117fc6c4c06f4652cac7fb27ed4ecc5ef9ea6ad5820")
	require.NoError(t, err)
	amount, err := txbuild.ParseUnits("5", txbuild.TokenDecimals)
	require.NoError(t, err)

	c := chaintest.New(testChainID, gasPrice)
	funder := crypto.PubkeyToAddress(key.PublicKey)
	c.SetBalance(funder, oneEther)
	c.SetTokenBalance(token, funder, new(big.Int).Mul(big.NewInt(100), oneEther))
	return &env{t: t, chain: c, key: key, funder: funder, amount: amount}
}

func (e *env) supervisor(mod func(*Config)) *Supervisor {
	e.t.Helper()
	l := zerolog.Nop()
	cfg := Config{
		Client:     e.chain,
		FundingKey: e.key,
		Token:      token,
		ChainID:    big.NewInt(testChainID),
		Logger:     &l,
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	require.NoError(e.t, err)
	s.OnTransition = func(_, to State) {
		e.mu.Lock()
		e.transitions = append(e.transitions, to)
		e.mu.Unlock()
	}
	return s
}

func (e *env) states() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.transitions...)
}

func (e *env) template(tier txbuild.GasTier) txbuild.Template {
	e.t.Helper()
	tpl, err := txbuild.TokenTransfer(token, receiver, e.amount, 0, gasPrice, txbuild.TokenGasLimit(tier), big.NewInt(testChainID))
	require.NoError(e.t, err)
	return tpl
}

// nonceResult signs the template with the funding key at nonce `at`, as a
// nonce-increment search that started at `initial` would have.
func (e *env) nonceResult(initial, at uint64) *hashsearch.Result {
	e.t.Helper()
	tx, raw, err := e.template(txbuild.TierAverage).WithNonce(at).Sign(e.key)
	require.NoError(e.t, err)
	return &hashsearch.Result{
		SignedRawTx:  raw,
		TxHash:       tx.Hash(),
		From:         e.funder,
		Nonce:        at,
		InitialNonce: initial,
		GasPrice:     gasPrice,
		Amount:       e.amount,
		Attempts:     at - initial + 1,
		Target:       hashsearch.LastHexChar(tx.Hash()),
		Strategy:     hashsearch.NonceIncrement,
	}
}

func (e *env) freshResult() *hashsearch.Result {
	e.t.Helper()
	l := zerolog.Nop()
	res, err := hashsearch.NewEngine(&l).Search(context.Background(), hashsearch.Request{
		Template: e.template(txbuild.TierAverage),
		Target:   "a",
		Amount:   e.amount,
	})
	require.NoError(e.t, err)
	return res
}

func gas(units uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(units), gasPrice)
}

func stepState(t *testing.T, err error) State {
	t.Helper()
	var se *StepError
	require.True(t, errors.As(err, &se), "want *StepError, got %v", err)
	return se.State
}

func TestNonceGapIsFilledBeforeBroadcast(t *testing.T) {
	e := newEnv(t)
	e.chain.SetNonce(e.funder, 10)
	res := e.nonceResult(10, 13)

	out, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.NoError(t, err)

	sent := e.chain.SentFrom(e.funder)
	require.Len(t, sent, 4)
	assert.Equal(t, []uint64{10, 11, 12, 13}, chaintest.Nonces(sent))
	for _, f := range sent[:3] {
		assert.Equal(t, e.funder, *f.To())
		assert.Empty(t, f.Data())
	}
	assert.Equal(t, res.TxHash, sent[3].Hash())
	require.NotNil(t, out.Fillers)
	assert.Len(t, out.Fillers.Sent, 3)

	assert.Equal(t, res.TxHash, out.Receipt.TxHash)
	assert.Equal(t, res.TxHash, out.TxHash)
	assert.Equal(t, res.SignedRawTx, out.SignedRawTx)
	assert.Equal(t, e.amount, e.chain.TokenBalance(token, receiver))
	assert.Equal(t, []State{Broadcasting, WaitingReceipt, Done}, e.states())
}

func TestNoGapSkipsReconcile(t *testing.T) {
	e := newEnv(t)
	e.chain.SetNonce(e.funder, 4)
	out, err := e.supervisor(nil).Broadcast(context.Background(), e.nonceResult(4, 4))
	require.NoError(t, err)
	assert.Nil(t, out.Fillers)
	assert.Len(t, e.chain.SentFrom(e.funder), 1)
}

func TestFreshWalletFundBroadcastRefund(t *testing.T) {
	e := newEnv(t)
	res := e.freshResult()
	signer := res.SignerAddress()
	funderBefore := e.chain.Balance(e.funder)

	out, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.NoError(t, err)
	require.NoError(t, out.RefundErr)

	// Funding: exactly the amount of token and one instant-tier gas allotment.
	funding := e.chain.SentFrom(e.funder)
	require.Len(t, funding, 2)
	assert.Equal(t, token, *funding[0].To())
	assert.Equal(t, txbuild.EncodeERC20Transfer(signer, e.amount), funding[0].Data())
	assert.Equal(t, signer, *funding[1].To())
	assert.Equal(t, gas(txbuild.GasLimitInstant), funding[1].Value())

	// The signer sent the mined transaction at nonce 0, then the refund.
	signed := e.chain.SentFrom(signer)
	require.Len(t, signed, 2)
	assert.Equal(t, res.TxHash, signed[0].Hash())
	assert.Equal(t, e.funder, *signed[1].To())

	// 100000 funded - 65000 target - 21000 refund gas = 14000 swept.
	require.NotNil(t, out.Refund)
	assert.Equal(t, gas(14_000), out.Refund.Swept)
	assert.Zero(t, e.chain.Balance(signer).Sign())
	assert.Zero(t, e.chain.TokenBalance(token, signer).Sign())
	assert.Equal(t, e.amount, e.chain.TokenBalance(token, receiver))

	spent := new(big.Int).Sub(funderBefore, e.chain.Balance(e.funder))
	// Funder paid two funding fees plus what the signer burnt on gas.
	wantSpent := new(big.Int).Add(gas(txbuild.GasLimitInstant+txbuild.NativeGasLimit), gas(65_000+21_000))
	assert.Equal(t, wantSpent, spent)

	assert.Equal(t, []State{PendingFund, Broadcasting, WaitingReceipt, PendingRefund, Done}, e.states())
}

func TestAlreadyKnownIsCoalesced(t *testing.T) {
	e := newEnv(t)
	res := e.nonceResult(0, 0)
	e.chain.OnSend(func(tx *types.Transaction) (bool, error) {
		if tx.Hash() == res.TxHash {
			return true, chaintest.ErrAlreadyKnown
		}
		return true, nil
	})

	out, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, out.AlreadyKnown)
	assert.Equal(t, res.TxHash, out.Receipt.TxHash)
	assert.Contains(t, e.states(), WaitingReceipt)
	assert.Equal(t, Done, e.states()[len(e.states())-1])
}

func TestGapFillFailureStopsPipeline(t *testing.T) {
	e := newEnv(t)
	e.chain.SetNonce(e.funder, 10)
	res := e.nonceResult(10, 13)
	e.chain.OnSend(func(tx *types.Transaction) (bool, error) {
		if tx.Nonce() == 11 {
			return false, errors.New("replacement transaction underpriced")
		}
		return true, nil
	})

	_, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrReconcile)
	assert.ErrorIs(t, err, nonce.ErrGapFill)
	assert.Equal(t, PendingReconcile, stepState(t, err))
	assert.Equal(t, []uint64{10}, chaintest.Nonces(e.chain.SentFrom(e.funder)))
	assert.Equal(t, []State{Failed}, e.states())
}

func TestFundingFailureNeverBroadcasts(t *testing.T) {
	e := newEnv(t)
	e.chain.SetTokenBalance(token, e.funder, big.NewInt(0))
	res := e.freshResult()

	_, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrFunding)
	assert.Equal(t, PendingFund, stepState(t, err))
	assert.Empty(t, e.chain.SentFrom(res.SignerAddress()))
	assert.Equal(t, []State{PendingFund, Failed}, e.states())
}

func TestRefundFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	res := e.freshResult()
	signer := res.SignerAddress()
	e.chain.OnSend(func(tx *types.Transaction) (bool, error) {
		if tx.To() != nil && *tx.To() == e.funder && tx.Hash() != res.TxHash && len(tx.Data()) == 0 {
			return false, errors.New("refund rejected")
		}
		return true, nil
	})

	out, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.NoError(t, err)
	assert.Error(t, out.RefundErr)
	assert.Equal(t, res.TxHash, out.Receipt.TxHash)
	assert.Equal(t, gas(35_000), e.chain.Balance(signer))
	assert.Equal(t, Done, e.states()[len(e.states())-1])
}

func TestBroadcastFailureRefundsOnUnwind(t *testing.T) {
	e := newEnv(t)
	res := e.freshResult()
	signer := res.SignerAddress()
	e.chain.OnSend(func(tx *types.Transaction) (bool, error) {
		if tx.Hash() == res.TxHash {
			return false, errors.New("invalid sender")
		}
		return true, nil
	})

	_, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrBroadcast)
	assert.Equal(t, Broadcasting, stepState(t, err))

	refunds := e.chain.SentFrom(signer)
	require.Len(t, refunds, 1)
	assert.Equal(t, gas(txbuild.GasLimitInstant-txbuild.NativeGasLimit), refunds[0].Value())
	assert.Zero(t, e.chain.Balance(signer).Sign())
}

func TestReceiptFailureRefundsOnUnwind(t *testing.T) {
	e := newEnv(t)
	res := e.freshResult()
	e.chain.Drop(res.TxHash)

	_, err := e.supervisor(nil).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrReceipt)
	assert.ErrorIs(t, err, chain.ErrReceiptTimeout)
	assert.Equal(t, WaitingReceipt, stepState(t, err))
	assert.Len(t, e.chain.SentFrom(res.SignerAddress()), 2)
	assert.Zero(t, e.chain.Balance(res.SignerAddress()).Sign())
}

func TestCancellationAfterFundingStillRefunds(t *testing.T) {
	e := newEnv(t)
	res := e.freshResult()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := e.supervisor(nil)
	s.OnTransition = func(_, to State) {
		if to == Broadcasting {
			cancel()
		}
	}
	_, err := s.Broadcast(ctx, res)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Broadcasting, stepState(t, err))

	signed := e.chain.SentFrom(res.SignerAddress())
	require.Len(t, signed, 1, "only the refund may leave the signer")
	assert.Equal(t, e.funder, *signed[0].To())
}

func TestStaleResultsAreRejected(t *testing.T) {
	e := newEnv(t)
	e.chain.SetNonce(e.funder, 11)
	_, err := e.supervisor(nil).Broadcast(context.Background(), e.nonceResult(10, 12))
	require.ErrorIs(t, err, ErrStaleResult)
	assert.Empty(t, e.chain.Sent())

	e2 := newEnv(t)
	res := e2.freshResult()
	e2.chain.SetNonce(res.SignerAddress(), 1)
	_, err = e2.supervisor(nil).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrStaleResult)
	assert.Empty(t, e2.chain.Sent())
}

func TestInvalidResults(t *testing.T) {
	e := newEnv(t)
	s := e.supervisor(nil)

	_, err := s.Broadcast(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResult)

	res := e.nonceResult(0, 0)
	res.TxHash[31] ^= 0x01
	_, err = s.Broadcast(context.Background(), res)
	assert.ErrorIs(t, err, ErrInvalidResult)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, raw, err := e.template(txbuild.TierAverage).Sign(other)
	require.NoError(t, err)
	foreign := &hashsearch.Result{
		SignedRawTx: raw, TxHash: tx.Hash(), From: crypto.PubkeyToAddress(other.PublicKey),
		GasPrice: gasPrice, Attempts: 1, Target: hashsearch.LastHexChar(tx.Hash()), Strategy: hashsearch.NonceIncrement,
	}
	_, err = s.Broadcast(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrInvalidResult)
	assert.Empty(t, e.chain.Sent())
}

func TestResultMustMatchSignedTransfer(t *testing.T) {
	e := newEnv(t)
	s := e.supervisor(nil)
	res := e.freshResult()

	// Signed for 5 tokens but reported as 1: funding would leave the
	// transfer short and revert.
	short := *res
	short.Amount = big.NewInt(1)
	_, err := s.Broadcast(context.Background(), &short)
	require.ErrorIs(t, err, ErrInvalidResult)
	assert.Equal(t, PendingReconcile, stepState(t, err))

	other := e.supervisor(func(c *Config) {
		c.Token = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	})
	_, err = other.Broadcast(context.Background(), res)
	assert.ErrorIs(t, err, ErrInvalidResult)
	_, err = other.Broadcast(context.Background(), e.nonceResult(0, 0))
	assert.ErrorIs(t, err, ErrInvalidResult)

	assert.Empty(t, e.chain.Sent())
	assert.Empty(t, e.states())
	assert.Zero(t, e.chain.TokenBalance(token, res.SignerAddress()).Sign())

	// Without a reported amount the signed calldata decides the funding.
	bare := *res
	bare.Amount = nil
	_, err = s.Broadcast(context.Background(), &bare)
	require.NoError(t, err)
	assert.Equal(t, e.amount, e.chain.TokenBalance(token, receiver))
	assert.Zero(t, e.chain.TokenBalance(token, res.SignerAddress()).Sign())
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestPipelineIsTraced(t *testing.T) {
	e := newEnv(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	s := e.supervisor(func(c *Config) { c.Tracer = tp.Tracer("test") })

	res := e.freshResult()
	out, err := s.Broadcast(context.Background(), res)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "broadcast", span.Name())
	attrs := spanAttrs(span)
	assert.Equal(t, e.funder.Hex(), attrs["hashsend.funding_account"])
	assert.Equal(t, res.TxHash.Hex(), attrs["hashsend.tx_hash"])
	assert.Equal(t, res.SignerAddress().Hex(), attrs["hashsend.signer"])
	assert.Equal(t, out.Refund.TxHash.Hex(), attrs["hashsend.refund_tx"])

	var events []string
	for _, ev := range span.Events() {
		events = append(events, ev.Name)
	}
	assert.Equal(t, []string{"pending-fund", "broadcasting", "waiting-receipt", "pending-refund", "done"}, events)
	assert.NotEqual(t, codes.Error, span.Status().Code)

	// A failing step marks the span as an error.
	e2 := newEnv(t)
	e2.chain.FailNonceReads(errors.New("rpc down"))
	s2 := e2.supervisor(func(c *Config) { c.Tracer = tp.Tracer("test") })
	_, err = s2.Broadcast(context.Background(), e2.nonceResult(0, 0))
	require.Error(t, err)
	spans = rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, ErrReconcile.Error(), spans[1].Status().Description)
}

func TestJournalConsumesOnce(t *testing.T) {
	e := newEnv(t)
	j, err := ledger.Open("")
	require.NoError(t, err)
	defer j.Close()

	s := e.supervisor(func(c *Config) { c.Journal = j })
	res := e.nonceResult(0, 0)
	_, err = s.Broadcast(context.Background(), res)
	require.NoError(t, err)

	rec, err := j.Get(res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, Done.String(), rec.State)

	_, err = s.Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.Len(t, e.chain.Sent(), 1)
}

func TestJournalRecordsFailure(t *testing.T) {
	e := newEnv(t)
	j, err := ledger.Open("")
	require.NoError(t, err)
	defer j.Close()

	e.chain.SetNonce(e.funder, 3)
	res := e.nonceResult(2, 2)
	_, err = e.supervisor(func(c *Config) { c.Journal = j }).Broadcast(context.Background(), res)
	require.ErrorIs(t, err, ErrStaleResult)

	rec, err := j.Get(res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, Failed.String(), rec.State)
	assert.Contains(t, rec.Error, "stale")
}

func TestLockerSerializesAccount(t *testing.T) {
	l := NewLocker()
	addr := common.Address{0x01}
	unlock, err := l.Lock(context.Background(), addr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), common.Address{0x02})
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), addr)
	require.NoError(t, err)
	again()
}

func TestRunBatchReportsPerJob(t *testing.T) {
	good := newEnv(t)
	good.chain.SetNonce(good.funder, 7)
	res := good.nonceResult(7, 7)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	track := func(run func(context.Context) (*Outcome, error)) func(context.Context) (*Outcome, error) {
		return func(ctx context.Context) (*Outcome, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()
			time.Sleep(5 * time.Millisecond)
			return run(ctx)
		}
	}

	jobs := []Job{
		good.supervisor(nil).BroadcastJob("good", res),
		{Name: "bad", Run: func(context.Context) (*Outcome, error) { return nil, errors.New("boom") }},
		{Name: "also bad", Run: func(context.Context) (*Outcome, error) { return nil, ErrFunding }},
	}
	for i := range jobs {
		jobs[i].Run = track(jobs[i].Run)
	}

	results := RunBatch(context.Background(), jobs, 2)
	require.Len(t, results, 3)
	assert.Equal(t, "good", results[0].Name)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, res.TxHash, results[0].Outcome.TxHash)
	assert.EqualError(t, results[1].Err, "boom")
	assert.ErrorIs(t, results[2].Err, ErrFunding)
	assert.LessOrEqual(t, peak, 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending-reconcile", PendingReconcile.String())
	assert.Equal(t, "waiting-receipt", WaitingReceipt.String())
	assert.True(t, Done.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Broadcasting.Terminal())
}

package funding

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/chain/chaintest"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

var (
	token    = common.HexToAddress("0x59bE1932048F76f9B0e8e5f6AcCf5Fd8D53136DD")
	gasPrice = txbuild.GweiToWei(2)
	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type fixture struct {
	chain  *chaintest.Chain
	coord  *Coordinator
	funder common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prv, err := crypto.HexToECDSA("8f49e4492f97ca6334e15117fc6c4c06f4652cac7fb27ed4ecc5ef9ea6ad5820")
	require.NoError(t, err)
	c := chaintest.New(56, gasPrice)
	funder := crypto.PubkeyToAddress(prv.PublicKey)
	c.SetBalance(funder, oneEther)
	c.SetTokenBalance(token, funder, new(big.Int).Mul(big.NewInt(100), oneEther))
	c.SetNonce(funder, 3)
	l := zerolog.Nop()
	return &fixture{chain: c, coord: New(c, prv, token, big.NewInt(56), &l), funder: funder}
}

func wei(gas uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
}

func TestPlan(t *testing.T) {
	amount, err := txbuild.ParseUnits("5", txbuild.TokenDecimals)
	require.NoError(t, err)
	p := Plan(amount, gasPrice)
	assert.Equal(t, amount, p.Token)
	assert.Equal(t, wei(txbuild.GasLimitInstant), p.Native)
}

func TestFundSendsTokenThenGas(t *testing.T) {
	f := newFixture(t)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	sAddr := crypto.PubkeyToAddress(signer.PublicKey)

	amount, err := txbuild.ParseUnits("5", txbuild.TokenDecimals)
	require.NoError(t, err)
	rcpts, err := f.coord.Fund(context.Background(), sAddr, Plan(amount, gasPrice), gasPrice)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, rcpts.Token.Status)
	assert.Equal(t, types.ReceiptStatusSuccessful, rcpts.Native.Status)

	assert.Equal(t, amount, f.chain.TokenBalance(token, sAddr))
	assert.Equal(t, wei(txbuild.GasLimitInstant), f.chain.Balance(sAddr))

	sent := f.chain.SentFrom(f.funder)
	require.Len(t, sent, 2)
	assert.Equal(t, []uint64{3, 4}, chaintest.Nonces(sent))
	assert.Equal(t, token, *sent[0].To())
	assert.Equal(t, sAddr, *sent[1].To())
	assert.Equal(t, uint64(5), f.chain.Nonce(f.funder))
}

func TestFundTokenFailureIsNotPartial(t *testing.T) {
	f := newFixture(t)
	f.chain.SetTokenBalance(token, f.funder, big.NewInt(0))

	_, err := f.coord.Fund(context.Background(), common.Address{0x09}, Plan(big.NewInt(1), gasPrice), gasPrice)
	require.ErrorIs(t, err, ErrFunding)
	assert.ErrorIs(t, err, chain.ErrReverted)
	var partial *PartialFundingError
	assert.False(t, errors.As(err, &partial))
	assert.Len(t, f.chain.SentFrom(f.funder), 1, "gas must not be sent when the token transfer failed")
}

func TestFundPartial(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("txpool is full")
	f.chain.OnSend(func(tx *types.Transaction) (bool, error) {
		if len(tx.Data()) == 0 {
			return false, boom
		}
		return true, nil
	})
	signer := common.Address{0x0a}

	_, err := f.coord.Fund(context.Background(), signer, Plan(big.NewInt(7), gasPrice), gasPrice)
	require.ErrorIs(t, err, ErrFunding)
	assert.ErrorIs(t, err, boom)

	var partial *PartialFundingError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, signer, partial.Signer)
	assert.Equal(t, f.chain.SentFrom(f.funder)[0].Hash(), partial.TokenTx)
	assert.Equal(t, big.NewInt(7), f.chain.TokenBalance(token, signer))
}

func TestRefund(t *testing.T) {
	tests := []struct {
		name      string
		balance   *big.Int
		wantSwept *big.Int
		stranded  bool
	}{
		{name: "empty", balance: new(big.Int)},
		{name: "below gas cost", balance: wei(10_000), stranded: true},
		{name: "exactly gas cost", balance: wei(txbuild.NativeGasLimit), stranded: true},
		{name: "sweeps remainder", balance: wei(35_000), wantSwept: wei(14_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			signer, err := crypto.GenerateKey()
			require.NoError(t, err)
			sAddr := crypto.PubkeyToAddress(signer.PublicKey)
			f.chain.SetBalance(sAddr, tt.balance)
			before := f.chain.Balance(f.funder)

			out, err := f.coord.Refund(context.Background(), signer, gasPrice)
			require.NoError(t, err)
			assert.Equal(t, tt.stranded, out.Stranded)
			assert.Equal(t, wei(txbuild.NativeGasLimit), out.GasCost)

			if tt.wantSwept == nil {
				assert.Nil(t, out.Swept)
				assert.Empty(t, f.chain.SentFrom(sAddr), "no transaction may be sent")
				assert.Zero(t, tt.balance.Cmp(f.chain.Balance(sAddr)))
				return
			}
			assert.Equal(t, tt.wantSwept, out.Swept)
			assert.Zero(t, f.chain.Balance(sAddr).Sign())
			assert.Equal(t, new(big.Int).Add(before, tt.wantSwept), f.chain.Balance(f.funder))
			sent := f.chain.SentFrom(sAddr)
			require.Len(t, sent, 1)
			assert.Equal(t, f.funder, *sent[0].To())
			assert.Equal(t, out.TxHash, sent[0].Hash())
		})
	}
}

func TestRefundSurfacesErrors(t *testing.T) {
	f := newFixture(t)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.chain.SetBalance(crypto.PubkeyToAddress(signer.PublicKey), wei(50_000))
	f.chain.OnSend(func(*types.Transaction) (bool, error) { return false, errors.New("nope") })

	out, err := f.coord.Refund(context.Background(), signer, gasPrice)
	require.Error(t, err)
	assert.Nil(t, out.Swept)
}

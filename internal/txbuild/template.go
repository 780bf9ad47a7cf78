// Package txbuild constructs the unsigned transactions the engine signs:
// native-coin transfers, ERC-20 transfer calls and zero-value fillers.
package txbuild

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NativeGasLimit is the fixed gas limit of a plain native-coin transfer.
const NativeGasLimit uint64 = 21_000

var (
	ErrNilChainID  = errors.New("chain id is nil")
	ErrNilGasPrice = errors.New("gas price is nil")
	ErrNilKey      = errors.New("signing key is nil")
)

// Template holds every field of a legacy transaction. It is a value type:
// methods never mutate the receiver, so one template can be shared by many
// search iterations that only vary the nonce or the signer.
type Template struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	ChainID  *big.Int
}

// NativeTransfer builds a native-coin transfer template.
func NativeTransfer(to common.Address, amountWei *big.Int, nonce uint64, gasPrice *big.Int, gasLimit uint64, chainID *big.Int) Template {
	return Template{
		To:       to,
		Value:    copyBig(amountWei),
		Nonce:    nonce,
		GasPrice: copyBig(gasPrice),
		GasLimit: gasLimit,
		ChainID:  copyBig(chainID),
	}
}

// TokenTransfer builds an ERC-20 transfer(to, amount) call to token.
func TokenTransfer(token, to common.Address, amount *big.Int, nonce uint64, gasPrice *big.Int, gasLimit uint64, chainID *big.Int) (Template, error) {
	data, err := PackTransfer(to, amount)
	if err != nil {
		return Template{}, err
	}
	return Template{
		To:       token,
		Value:    new(big.Int),
		Data:     data,
		Nonce:    nonce,
		GasPrice: copyBig(gasPrice),
		GasLimit: gasLimit,
		ChainID:  copyBig(chainID),
	}, nil
}

// Filler builds the zero-value self-transfer used to consume a skipped nonce.
func Filler(self common.Address, nonce uint64, gasPrice *big.Int, chainID *big.Int) Template {
	return NativeTransfer(self, new(big.Int), nonce, gasPrice, NativeGasLimit, chainID)
}

// WithNonce returns a copy of t using nonce n.
func (t Template) WithNonce(n uint64) Template {
	t.Nonce = n
	return t
}

// Validate reports missing fields that would make signing fail.
func (t Template) Validate() error {
	if t.ChainID == nil {
		return ErrNilChainID
	}
	if t.GasPrice == nil {
		return ErrNilGasPrice
	}
	if t.GasLimit == 0 {
		return fmt.Errorf("gas limit is zero")
	}
	return nil
}

// Cost is the maximum native-coin spend of the transaction: value + gas*price.
func (t Template) Cost() *big.Int {
	c := new(big.Int).Mul(new(big.Int).SetUint64(t.GasLimit), t.GasPrice)
	if t.Value != nil {
		c.Add(c, t.Value)
	}
	return c
}

// Tx builds the unsigned legacy transaction.
func (t Template) Tx() *types.Transaction {
	to := t.To
	value := new(big.Int)
	if t.Value != nil {
		value.Set(t.Value)
	}
	var data []byte
	if len(t.Data) > 0 {
		data = common.CopyBytes(t.Data)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: new(big.Int).Set(t.GasPrice),
		Gas:      t.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

// Sign signs the transaction with the latest signer for the chain id and
// returns it together with its binary encoding.
func (t Template) Sign(prv *ecdsa.PrivateKey) (*types.Transaction, []byte, error) {
	if prv == nil {
		return nil, nil, ErrNilKey
	}
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	signed, err := types.SignTx(t.Tx(), types.LatestSignerForChainID(t.ChainID), prv)
	if err != nil {
		return nil, nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode tx: %w", err)
	}
	return signed, raw, nil
}

// Decode parses a binary-encoded signed transaction.
func Decode(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return tx, nil
}

// Sender recovers the signer address of a signed transaction.
func Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}

// Hex encodes raw transaction bytes with a 0x prefix.
func Hex(raw []byte) string {
	return "0x" + hex.EncodeToString(raw)
}

func copyBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

package hashsearch

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ligun0805/hashsend/internal/txbuild"
)

// Request describes one search.
type Request struct {
	Template txbuild.Template
	Target   string
	Strategy Strategy

	// FundingKey signs every attempt of a NonceIncrement search.
	FundingKey *ecdsa.PrivateKey
	// InitialNonce is the funding account's pending nonce when the search
	// started. Ignored by FreshWallet, which always signs at nonce 0.
	InitialNonce uint64
	// Keys supplies ephemeral keys for FreshWallet. Defaults to RandomKeys.
	Keys KeySource
	// Amount is the token amount the template transfers. Left nil it is read
	// from the template calldata; when set it must agree with it.
	Amount *big.Int
}

func (r *Request) validate() (byte, error) {
	target, err := ValidateTarget(r.Target)
	if err != nil {
		return 0, err
	}
	switch r.Strategy {
	case FreshWallet:
		if r.Keys == nil {
			r.Keys = RandomKeys()
		}
	case NonceIncrement:
		if r.FundingKey == nil {
			return 0, ErrMissingSigner
		}
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidStrategy, int(r.Strategy))
	}
	if err := r.Template.Validate(); err != nil {
		return 0, err
	}
	if _, amount, err := txbuild.UnpackTransfer(r.Template.Data); err == nil {
		if r.Amount != nil && r.Amount.Cmp(amount) != 0 {
			return 0, fmt.Errorf("%w: request says %s, template transfers %s", ErrAmountMismatch, r.Amount, amount)
		}
		r.Amount = amount
	} else if r.Amount != nil {
		return 0, fmt.Errorf("%w: template is not a token transfer", ErrAmountMismatch)
	}
	return target, nil
}

// Attempt is one sign-and-hash round.
type Attempt struct {
	N      uint64 // 1-based attempt number within the iterator
	Nonce  uint64
	Hash   common.Hash
	Raw    []byte
	From   common.Address
	Signer *ecdsa.PrivateKey // FreshWallet only
	Match  bool
}

// Iterator produces attempts one at a time. It keeps no state beyond the
// attempt counter and the next nonce.
type Iterator struct {
	req    Request
	target byte
	n      uint64
	nonce  uint64
	fundee common.Address
}

// NewIterator validates req and returns an iterator positioned before the
// first attempt.
func NewIterator(req Request) (*Iterator, error) {
	target, err := req.validate()
	if err != nil {
		return nil, err
	}
	it := &Iterator{req: req, target: target}
	if req.Strategy == NonceIncrement {
		it.nonce = req.InitialNonce
		it.fundee = crypto.PubkeyToAddress(req.FundingKey.PublicKey)
	}
	return it, nil
}

// Next signs and hashes the next candidate.
func (it *Iterator) Next() (Attempt, error) {
	var (
		key   *ecdsa.PrivateKey
		nonce uint64
		from  common.Address
	)
	switch it.req.Strategy {
	case FreshWallet:
		k, err := it.req.Keys.Next()
		if err != nil {
			return Attempt{}, err
		}
		key, from = k, crypto.PubkeyToAddress(k.PublicKey)
	case NonceIncrement:
		key, nonce, from = it.req.FundingKey, it.nonce, it.fundee
		it.nonce++
	}

	tx, raw, err := it.req.Template.WithNonce(nonce).Sign(key)
	if err != nil {
		return Attempt{}, err
	}
	it.n++
	a := Attempt{
		N:     it.n,
		Nonce: nonce,
		Hash:  tx.Hash(),
		Raw:   raw,
		From:  from,
		Match: LastHexChar(tx.Hash()) == it.target,
	}
	if it.req.Strategy == FreshWallet {
		a.Signer = key
	}
	return a, nil
}

// Attempts is the number of attempts produced so far.
func (it *Iterator) Attempts() uint64 { return it.n }

func (it *Iterator) result(a Attempt, attempts uint64) *Result {
	r := &Result{
		SignedRawTx: a.Raw,
		TxHash:      a.Hash,
		From:        a.From,
		Nonce:       a.Nonce,
		GasPrice:    new(big.Int).Set(it.req.Template.GasPrice),
		Attempts:    attempts,
		Target:      it.target,
		Strategy:    it.req.Strategy,
		Signer:      a.Signer,
	}
	if it.req.Strategy == NonceIncrement {
		r.InitialNonce = it.req.InitialNonce
	}
	if it.req.Amount != nil {
		r.Amount = new(big.Int).Set(it.req.Amount)
	}
	return r
}

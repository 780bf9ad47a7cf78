// Package ledger journals which search results have been consumed, so the
// same signed transaction is never pushed through the broadcast pipeline
// twice, even across restarts.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ligun0805/hashsend/internal/log"
)

var (
	ErrAlreadyConsumed = errors.New("result already consumed")
	ErrNotFound        = errors.New("result not found")
)

var (
	resultPrefix  = []byte("result/")
	counterPrefix = []byte("counter/")
)

// Record is the journal entry of one result.
type Record struct {
	TxHash    common.Hash    `json:"txHash"`
	From      common.Address `json:"from"`
	Nonce     uint64         `json:"nonce"`
	Strategy  string         `json:"strategy"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
	ClaimedAt time.Time      `json:"claimedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Ledger is a Badger-backed journal.
type Ledger struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens the journal in dir. An empty dir keeps it in memory.
func Open(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("ledger at %s is locked by another process: %w", dir, err)
		}
		return nil, fmt.Errorf("open ledger at %s: %w", dir, err)
	}
	return &Ledger{db: db, log: log.Ledger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func key(h common.Hash) []byte {
	return append(append([]byte(nil), resultPrefix...), h.Hex()...)
}

// Claim records rec as consumed. It fails with ErrAlreadyConsumed if the
// hash has been claimed before, whatever its state.
func (l *Ledger) Claim(rec Record) error {
	now := time.Now().UTC()
	rec.ClaimedAt, rec.UpdatedAt = now, now
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(rec.TxHash))
		switch {
		case err == nil:
			return ErrAlreadyConsumed
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key(rec.TxHash), val)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent claim of the same hash committed first.
		err = ErrAlreadyConsumed
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyConsumed) {
			return fmt.Errorf("%w: %s", ErrAlreadyConsumed, rec.TxHash.Hex())
		}
		return fmt.Errorf("ledger claim: %w", err)
	}
	l.log.Debug().Str("tx", rec.TxHash.Hex()).Str("state", rec.State).Msg("result claimed")
	return nil
}

// Mark updates the state of a claimed result. errMsg may be empty.
func (l *Ledger) Mark(h common.Hash, state, errMsg string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		rec, err := get(txn, h)
		if err != nil {
			return err
		}
		rec.State, rec.Error, rec.UpdatedAt = state, errMsg, time.Now().UTC()
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key(h), val)
	})
	if err != nil {
		return fmt.Errorf("ledger mark %s: %w", h.Hex(), err)
	}
	return nil
}

// Get returns the record of h.
func (l *Ledger) Get(h common.Hash) (*Record, error) {
	var rec *Record
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = get(txn, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEach calls fn for every record in key order.
func (l *Ledger) ForEach(fn func(Record) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = resultPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(resultPrefix); it.ValidForPrefix(resultPrefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func get(txn *badger.Txn, h common.Hash) (*Record, error) {
	item, err := txn.Get(key(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Hex())
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Counter returns the named counter, 0 if it was never raised.
func (l *Ledger) Counter(name string) (uint64, error) {
	var v uint64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = counter(txn, name)
		return err
	})
	return v, err
}

// RaiseCounter stores v under name unless the stored value is already
// higher. Counters never go down.
func (l *Ledger) RaiseCounter(name string, v uint64) error {
	return l.db.Update(func(txn *badger.Txn) error {
		cur, err := counter(txn, name)
		if err != nil || cur >= v {
			return err
		}
		return txn.Set(counterKey(name), binary.BigEndian.AppendUint64(nil, v))
	})
}

func counterKey(name string) []byte {
	return append(append([]byte(nil), counterPrefix...), name...)
}

func counter(txn *badger.Txn, name string) (uint64, error) {
	item, err := txn.Get(counterKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter %s: bad length %d", name, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

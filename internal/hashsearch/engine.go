// Package hashsearch brute-forces a signed transaction whose hash ends in a
// chosen hex character, either by trying fresh keys or by walking nonces.
package hashsearch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligun0805/hashsend/internal/log"
)

// Engine runs searches. An Engine may run several searches concurrently;
// Attempts then reports their combined total.
type Engine struct {
	// Workers is the number of goroutines used by FreshWallet searches.
	// NonceIncrement always runs on one goroutine.
	Workers int
	// LogInterval enables periodic progress logging when positive.
	LogInterval time.Duration
	// OnAttempt, when set, observes every attempt. It is called from the
	// worker goroutines and must not retain Attempt.Signer.
	OnAttempt func(Attempt)

	log      zerolog.Logger
	attempts atomic.Uint64
}

// NewEngine returns a single-worker engine.
func NewEngine(logger *zerolog.Logger) *Engine {
	l := log.Search
	if logger != nil {
		l = *logger
	}
	return &Engine{Workers: 1, log: l}
}

// Attempts reports the number of attempts made by this engine so far.
func (e *Engine) Attempts() uint64 { return e.attempts.Load() }

// Search runs until a match is found or ctx is done. Input errors are
// returned before any signing happens.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	it, err := NewIterator(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	e.log.Debug().
		Str("strategy", req.Strategy.String()).
		Str("target", req.Target).
		Uint64("initial_nonce", req.InitialNonce).
		Msg("search started")

	var counter atomic.Uint64
	if e.LogInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go e.periodicLog(&counter, start, stop)
	}

	var res *Result
	if req.Strategy == FreshWallet && e.Workers > 1 {
		res, err = e.searchParallel(ctx, req, &counter)
	} else {
		res, err = e.run(ctx, it, &counter)
	}
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("strategy", req.Strategy.String()).
		Str("tx", res.TxHash.Hex()).
		Str("from", res.From.Hex()).
		Uint64("nonce", res.Nonce).
		Uint64("attempts", res.Attempts).
		Dur("elapsed", time.Since(start)).
		Msg("match found")
	return res, nil
}

// run drives it until a match. counter is shared with sibling workers.
func (e *Engine) run(ctx context.Context, it *Iterator, counter *atomic.Uint64) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search stopped after %d attempts: %w", counter.Load(), err)
		}
		a, err := it.Next()
		if err != nil {
			return nil, err
		}
		total := counter.Add(1)
		e.attempts.Add(1)
		if e.OnAttempt != nil {
			e.OnAttempt(a)
		}
		if a.Match {
			return it.result(a, total), nil
		}
	}
}

func (e *Engine) searchParallel(ctx context.Context, req Request, counter *atomic.Uint64) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		once   sync.Once
		winner *Result
		errs   = make([]error, e.Workers)
	)
	for i := 0; i < e.Workers; i++ {
		it, err := NewIterator(req)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, it *Iterator) {
			defer wg.Done()
			res, err := e.run(ctx, it, counter)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			once.Do(func() {
				winner = res
				cancel()
			})
		}(i, it)
	}
	wg.Wait()

	if winner != nil {
		return winner, nil
	}
	// A worker failure cancels the others; report it rather than their
	// cancellation.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if first == nil {
			first = err
		}
	}
	return nil, first
}

func (e *Engine) periodicLog(counter *atomic.Uint64, start time.Time, stop <-chan struct{}) {
	t := time.NewTicker(e.LogInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n := counter.Load()
			rate := 0.0
			if s := time.Since(start).Seconds(); s > 0 {
				rate = float64(n) / s
			}
			e.log.Info().Uint64("attempts", n).Float64("per_sec", rate).Msg("searching")
		case <-stop:
			return
		}
	}
}

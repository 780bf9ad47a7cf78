package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

// Options tunes the RPC connection.
type Options struct {
	Timeout        time.Duration     // per HTTP request
	ReceiptTimeout time.Duration     // WaitMined budget
	PollInterval   time.Duration     // receipt polling period
	MaxAttempts    int               // read retries on throttling
	Headers        map[string]string // extra headers for this origin
	Logger         *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 3 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
}

// EthClient implements Client on top of go-ethereum's ethclient.
type EthClient struct {
	ec   *ethclient.Client
	rc   *rpc.Client
	opts Options
	log  zerolog.Logger
}

// Dial connects to url with keep-alives, timeouts and traced transport.
func Dial(ctx context.Context, url string, opts Options) (*EthClient, error) {
	opts.setDefaults()
	transport := &http.Transport{
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(transport),
	}
	header := http.Header{}
	for k, v := range opts.Headers {
		header.Set(k, v)
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient), rpc.WithHeaders(header))
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", url, err)
	}
	logger := log.Chain
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &EthClient{
		ec:   ethclient.NewClient(rc),
		rc:   rc,
		opts: opts,
		log:  logger.With().Str("rpc", url).Logger(),
	}, nil
}

// Close releases the underlying connection.
func (c *EthClient) Close() { c.ec.Close() }

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withRetry(ctx, c.opts.MaxAttempts, func(ctx context.Context) (uint64, error) {
		return c.ec.PendingNonceAt(ctx, account)
	})
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return withRetry(ctx, c.opts.MaxAttempts, c.ec.ChainID)
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return withRetry(ctx, c.opts.MaxAttempts, func(ctx context.Context) (*big.Int, error) {
		return c.ec.BalanceAt(ctx, account, nil)
	})
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return withRetry(ctx, c.opts.MaxAttempts, c.ec.SuggestGasPrice)
}

func (c *EthClient) TokenBalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	msg := ethereum.CallMsg{To: &token, Data: txbuild.PackBalanceOf(owner)}
	ret, err := withRetry(ctx, c.opts.MaxAttempts, func(ctx context.Context) ([]byte, error) {
		return c.ec.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s): %w", owner.Hex(), err)
	}
	return txbuild.UnpackBalance(ret)
}

// SendRawTransaction submits a signed transaction. Throttled submissions are
// retried: resubmitting identical bytes is harmless because a duplicate is
// reported as already known.
func (c *EthClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	return withRetry(ctx, c.opts.MaxAttempts, func(ctx context.Context) (common.Hash, error) {
		var hash common.Hash
		err := c.rc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
		return hash, err
	})
}

// WaitMined polls for the receipt of hash until it is mined, the context is
// done or the receipt timeout elapses.
func (c *EthClient) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := c.ec.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rcpt != nil:
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return rcpt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return rcpt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && !Retryable(err):
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.log.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed, retrying")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ligun0805/hashsend/internal/broadcast"
	"github.com/ligun0805/hashsend/internal/chain"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/ledger"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/txbuild"
	"github.com/ligun0805/hashsend/internal/vanity"
	"github.com/ligun0805/hashsend/internal/wallet"
)

// hdNextIndex is the ledger counter holding the next unused HD signer index.
const hdNextIndex = "hd/next"

// app holds the long-lived pieces shared by the network commands.
type app struct {
	pool   *chain.Pool
	ledger *ledger.Ledger
	keys   *wallet.HDKeys
	sender *vanity.Sender
}

func newApp(ctx context.Context) (*app, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	pool, err := chain.DialPool(ctx, settings.RPCURLs, chain.Options{
		Timeout:        settings.RPCTimeout,
		ReceiptTimeout: settings.ReceiptTimeout,
	})
	if err != nil {
		return nil, err
	}
	a := &app{pool: pool}

	a.ledger, err = ledger.Open(settings.DataDir)
	if err != nil {
		a.close()
		return nil, err
	}
	cfg := vanity.Config{
		Providers:   pool,
		Journal:     a.ledger,
		Locker:      broadcast.NewLocker(),
		FillerStep:  txbuild.GweiToWei(settings.FillerStepGwei),
		WaitFillers: settings.WaitFillers,
	}
	if settings.ChainID > 0 {
		cfg.ChainID = big.NewInt(settings.ChainID)
	}
	if settings.Mnemonic != "" {
		start, err := a.ledger.Counter(hdNextIndex)
		if err != nil {
			a.close()
			return nil, err
		}
		if settings.DataDir == "" {
			log.Logger.Warn().Msg("EPHEMERAL_MNEMONIC without DATA_DIR: signer indexes restart at 0 every run")
		}
		a.keys, err = wallet.NewHDKeys(settings.Mnemonic, "", uint32(start))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("EPHEMERAL_MNEMONIC: %w", err)
		}
		cfg.Keys = a.keys
	}
	engine := hashsearch.NewEngine(nil)
	engine.Workers = settings.SearchWorkers
	engine.LogInterval = 5 * time.Second
	cfg.Engine = engine

	a.sender, err = vanity.New(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	log.Logger.Debug().Str("providers", pool.String()).Str("data_dir", settings.DataDir).Msg("ready")
	return a, nil
}

func (a *app) close() {
	if a.ledger != nil && a.keys != nil {
		if err := a.ledger.RaiseCounter(hdNextIndex, uint64(a.keys.Index())); err != nil {
			log.Ledger.Warn().Err(err).Msg("save next signer index")
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Ledger.Warn().Err(err).Msg("close ledger")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// requestFlags are the transfer flags shared by mine and send.
type requestFlags struct {
	receiver string
	amount   string
	target   string
	tier     string
	strategy string
	token    string
}

func (f *requestFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.receiver, "receiver", "r", "", "Token receiver address (required)")
	fs.StringVarP(&f.amount, "amount", "a", "", "Token amount, decimal (required)")
	fs.StringVarP(&f.target, "target", "t", "", "Lowercase hex character the tx hash must end in (env TARGET_CHAR)")
	fs.StringVar(&f.tier, "tier", "", "Gas tier: average, fast or instant (env GAS_TIER)")
	fs.StringVarP(&f.strategy, "strategy", "s", "", "Search strategy: fresh or nonce (env STRATEGY)")
	fs.StringVar(&f.token, "token", "", "ERC-20 contract address (env TOKEN_ADDRESS)")
}

func (f *requestFlags) request() (vanity.Request, error) {
	key, err := fundingKey()
	if err != nil {
		return vanity.Request{}, err
	}
	return vanity.Request{
		FundingKey: key,
		Token:      orDefault(f.token, settings.TokenAddress),
		Receiver:   f.receiver,
		Amount:     f.amount,
		Target:     orDefault(f.target, settings.TargetChar),
		GasTier:    orDefault(f.tier, settings.GasTier),
		Strategy:   orDefault(f.strategy, settings.Strategy),
	}, nil
}

// fundingKey returns FUNDING_PRIVATE_KEY or asks for it on the terminal.
func fundingKey() (string, error) {
	if settings.FundingKeyHex != "" {
		return settings.FundingKeyHex, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("FUNDING_PRIVATE_KEY is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Funding private key (hidden): ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read private key: %w", err)
	}
	k := strings.TrimSpace(string(b))
	if k == "" {
		return "", wallet.ErrEmptyKey
	}
	settings.FundingKeyHex = k
	return k, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

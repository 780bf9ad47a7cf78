package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/ligun0805/hashsend/internal/hashsearch"
)

var (
	ErrNoRPC       = errors.New("no rpc url configured (RPC_URLS)")
	ErrBadToken    = errors.New("TOKEN_ADDRESS is not a hex address")
	ErrBadTarget   = errors.New("TARGET_CHAR must be one lowercase hex character")
	ErrBadWorkers  = errors.New("SEARCH_WORKERS and BATCH_CONCURRENCY must be positive")
	ErrBadTimeouts = errors.New("timeouts must be positive")
)

// Settings keeps all configuration options. Keys are read in both
// UPPER_CASE and lower_case.
type Settings struct {
	RPCURLs          []string
	ChainID          int64 // 0: take whatever the provider reports
	FundingKeyHex    string
	TokenAddress     string
	GasTier          string
	Strategy         string
	TargetChar       string
	FillerStepGwei   int64
	WaitFillers      bool
	ReceiptTimeout   time.Duration
	RPCTimeout       time.Duration
	SearchWorkers    int
	BatchConcurrency int
	DataDir          string
	LogLevel         string
	LogJSON          bool
	LogFile          string
	OTelExporter     string // none or stdout
	Mnemonic         string // EPHEMERAL_MNEMONIC; empty means random ephemeral keys
}

// LoadDotenv loads .env and lets .env.local override it. Missing files are
// not an error.
func LoadDotenv() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")
}

// Load reads settings from the environment.
func Load() Settings {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(keys []string, def int64) int64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getBool := func(keys []string, def bool) bool {
		s := strings.ToLower(get(keys, ""))
		if s == "" {
			return def
		}
		return s == "1" || s == "true" || s == "yes" || s == "on"
	}
	seconds := func(keys []string, def int64) time.Duration {
		return time.Duration(getInt64(keys, def)) * time.Second
	}

	st := Settings{}
	st.RPCURLs = SplitCSV(get([]string{"rpc_urls", "RPC_URLS", "rpc_url", "RPC_URL"}, ""))
	st.ChainID = getInt64([]string{"chain_id", "CHAIN_ID"}, 0)
	st.FundingKeyHex = get([]string{"funding_private_key", "FUNDING_PRIVATE_KEY"}, "")
	st.TokenAddress = get([]string{"token_address", "TOKEN_ADDRESS"}, "")
	st.GasTier = get([]string{"gas_tier", "GAS_TIER"}, "average")
	st.Strategy = get([]string{"strategy", "STRATEGY"}, "fresh")
	st.TargetChar = get([]string{"target_char", "TARGET_CHAR"}, "")

	st.FillerStepGwei = getInt64([]string{"filler_step_gwei", "FILLER_STEP_GWEI"}, 1)
	st.WaitFillers = getBool([]string{"wait_fillers", "WAIT_FILLERS"}, false)
	st.ReceiptTimeout = seconds([]string{"receipt_timeout_sec", "RECEIPT_TIMEOUT_SEC"}, 180)
	st.RPCTimeout = seconds([]string{"rpc_timeout_sec", "RPC_TIMEOUT_SEC"}, 30)
	st.SearchWorkers = getInt([]string{"search_workers", "SEARCH_WORKERS"}, 1)
	st.BatchConcurrency = getInt([]string{"batch_concurrency", "BATCH_CONCURRENCY"}, 4)

	st.DataDir = get([]string{"data_dir", "DATA_DIR"}, "")
	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, "info")
	st.LogJSON = getBool([]string{"log_json", "LOG_JSON"}, false)
	st.LogFile = get([]string{"log_file", "LOG_FILE"}, "")
	st.OTelExporter = get([]string{"otel_exporter", "OTEL_EXPORTER"}, "none")
	st.Mnemonic = get([]string{"ephemeral_mnemonic", "EPHEMERAL_MNEMONIC"}, "")

	return st
}

// Validate checks the settings every command needs. Funding key, token and
// target are checked by the commands that use them.
func (s Settings) Validate() error {
	if len(s.RPCURLs) == 0 {
		return ErrNoRPC
	}
	if s.TokenAddress != "" && !common.IsHexAddress(s.TokenAddress) {
		return fmt.Errorf("%w: %q", ErrBadToken, s.TokenAddress)
	}
	if s.TargetChar != "" {
		if _, err := hashsearch.ValidateTarget(s.TargetChar); err != nil {
			return fmt.Errorf("%w: %w", ErrBadTarget, err)
		}
	}
	if s.SearchWorkers <= 0 || s.BatchConcurrency <= 0 {
		return ErrBadWorkers
	}
	if s.ReceiptTimeout <= 0 || s.RPCTimeout <= 0 {
		return ErrBadTimeouts
	}
	if s.FillerStepGwei < 0 {
		return fmt.Errorf("FILLER_STEP_GWEI must not be negative, got %d", s.FillerStepGwei)
	}
	return nil
}

// SplitCSV splits a comma separated list and drops blank entries.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package chain

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies a provider error once at the chain boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindKnown
	KindRateLimited
	KindRejected
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindKnown:
		return "known"
	case KindRateLimited:
		return "rate-limited"
	case KindRejected:
		return "rejected"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// codeLimitExceeded is the JSON-RPC code providers use for throttling.
const codeLimitExceeded = -32005

var knownMessages = []string{
	"already known",
	"known transaction",
	"already imported",
	"already_exists",
	"transaction already exists",
	"tx already in mempool",
}

var rateLimitMessages = []string{
	"too many requests",
	"rate limit",
	"exceeded the quota",
	"daily request count exceeded",
}

var nonceConsumedMessages = []string{
	"nonce too low",
	"nonce has already been used",
	"already been used",
	"old nonce",
}

// Classify maps err into an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, knownMessages) {
		return KindKnown
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeLimitExceeded {
		return KindRateLimited
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return KindRateLimited
		case httpErr.StatusCode >= 500:
			return KindNetwork
		}
	}
	if containsAny(msg, rateLimitMessages) || strings.Contains(msg, "-32005") {
		return KindRateLimited
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}

	if rpcErr != nil {
		return KindRejected
	}
	if httpErr.StatusCode != 0 {
		return KindRejected
	}
	return KindUnknown
}

// IsKnown reports whether err means the transaction is already in the pool.
func IsKnown(err error) bool { return Classify(err) == KindKnown }

// NonceConsumed reports whether err means the nonce was already mined.
func NonceConsumed(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), nonceConsumedMessages)
}

// Retryable reports whether a read may be repeated after err.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindRateLimited, KindNetwork:
		return true
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

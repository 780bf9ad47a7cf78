package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoProviders is returned when a pool is built without endpoints.
var ErrNoProviders = errors.New("no rpc providers configured")

// Pool assigns each funding address to one provider. Assignments are made
// round robin on first sight and never change or expire, so all calls for an
// account hit the same node and see a consistent pending nonce.
type Pool struct {
	clients []Client

	mu   sync.RWMutex
	slot map[common.Address]int
	next int
}

// NewPool builds a pool over clients.
func NewPool(clients ...Client) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrNoProviders
	}
	return &Pool{
		clients: clients,
		slot:    make(map[common.Address]int),
	}, nil
}

// DialPool dials every url with opts and returns a pool over them.
// Already-dialed clients are closed if a later dial fails.
func DialPool(ctx context.Context, urls []string, opts Options) (*Pool, error) {
	var dialed []*EthClient
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		c, err := Dial(ctx, u, opts)
		if err != nil {
			for _, d := range dialed {
				d.Close()
			}
			return nil, err
		}
		dialed = append(dialed, c)
	}
	clients := make([]Client, len(dialed))
	for i, c := range dialed {
		clients[i] = c
	}
	return NewPool(clients...)
}

// For returns the provider assigned to addr, assigning one if needed.
func (p *Pool) For(addr common.Address) Client {
	return p.clients[p.Slot(addr)]
}

// Slot returns the provider index assigned to addr.
func (p *Pool) Slot(addr common.Address) int {
	p.mu.RLock()
	i, ok := p.slot[addr]
	p.mu.RUnlock()
	if ok {
		return i
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.slot[addr]; ok {
		return i
	}
	i = p.next % len(p.clients)
	p.next++
	p.slot[addr] = i
	return i
}

// Len is the number of providers.
func (p *Pool) Len() int { return len(p.clients) }

// Close closes every provider that supports it.
func (p *Pool) Close() {
	for _, c := range p.clients {
		if cl, ok := c.(interface{ Close() }); ok {
			cl.Close()
		}
	}
}

func (p *Pool) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("pool(%d providers, %d accounts)", len(p.clients), len(p.slot))
}

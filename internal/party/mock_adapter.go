package party

import (
	"context"
	"strconv"
	"sync"

	"github.com/rg-network/node/pkg/types"
)

// MockAdapter is the deterministic test double required by Design Notes §9
// and Testable Property 6: a fixed, caller-seeded event log with no network
// I/O, so two runs over the same seed fold to identical state.
type MockAdapter struct {
	mu     sync.Mutex
	Events map[types.Currency][]types.ExternalEvent
	Prices map[types.Currency]float64

	Broadcasts []MockBroadcast
}

// MockBroadcast records one Broadcast call for test assertions.
type MockBroadcast struct {
	PublicKey types.PublicKey
	Currency  types.Currency
	Payload   []byte
	TxID      string
}

// NewMockAdapter constructs an adapter with no seeded events.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Events: make(map[types.Currency][]types.ExternalEvent),
		Prices: make(map[types.Currency]float64),
	}
}

// Seed appends events to the fixed log for currency c. Deterministic tests
// call this once at setup, never from within a running watcher.
func (m *MockAdapter) Seed(c types.Currency, events ...types.ExternalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events[c] = append(m.Events[c], events...)
}

func (m *MockAdapter) GetAllTxFor(ctx context.Context, pk types.PublicKey, currency types.Currency, filter ChainFilter) ([]types.ExternalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.Events[currency]
	out := make([]types.ExternalEvent, 0, len(all))
	for _, e := range all {
		if filter.Since != 0 && e.Timestamp < filter.Since {
			continue
		}
		if filter.Until != 0 && e.Timestamp > filter.Until {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MockAdapter) Broadcast(ctx context.Context, pk types.PublicKey, currency types.Currency, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := "mock-" + string(currency) + "-" + strconv.Itoa(len(m.Broadcasts))
	m.Broadcasts = append(m.Broadcasts, MockBroadcast{PublicKey: pk, Currency: currency, Payload: payload, TxID: txid})
	return txid, nil
}

func (m *MockAdapter) QueryPrice(ctx context.Context, at int64, currency types.Currency) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Prices[currency]; ok {
		return p, nil
	}
	return 1.0, nil
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. Contents are lost on exit.
type Memory struct {
	*PriceHistory

	mu           sync.RWMutex
	seen         map[string]time.Time
	wallets      map[string]WalletProfile
	destinations map[string]DestinationConfig
	tracked      map[string]map[string]TrackedWallet // destination -> wallet
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		PriceHistory: NewPriceHistory(),
		seen:         make(map[string]time.Time),
		wallets:      make(map[string]WalletProfile),
		destinations: make(map[string]DestinationConfig),
		tracked:      make(map[string]map[string]TrackedWallet),
	}
}

func (m *Memory) HasSeen(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[key]
	return ok, nil
}

func (m *Memory) MarkSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = time.Now().UTC()
	return true, nil
}

func (m *Memory) GetWallet(_ context.Context, wallet string) (WalletProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.wallets[strings.ToLower(wallet)]
	return p, ok, nil
}

func (m *Memory) CreateWallet(_ context.Context, p WalletProfile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Wallet = strings.ToLower(p.Wallet)
	if _, ok := m.wallets[p.Wallet]; ok {
		return false, nil
	}
	m.wallets[p.Wallet] = p
	return true, nil
}

func (m *Memory) IncrementWallet(_ context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet = strings.ToLower(wallet)
	p, ok := m.wallets[wallet]
	if !ok {
		return ErrNotFound
	}
	p.TxCount++
	m.wallets[wallet] = p
	return nil
}

func (m *Memory) ActiveDestinations(_ context.Context) ([]DestinationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DestinationConfig, 0, len(m.destinations))
	for _, d := range m.destinations {
		if !d.Paused {
			out = append(out, d)
		}
	}
	sortDestinations(out)
	return out, nil
}

func (m *Memory) TrackedWallets(_ context.Context) ([]TrackedWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TrackedWallet
	for _, byWallet := range m.tracked {
		for _, w := range byWallet {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationID != out[j].DestinationID {
			return out[i].DestinationID < out[j].DestinationID
		}
		return out[i].Wallet < out[j].Wallet
	})
	return out, nil
}

func (m *Memory) UpsertDestination(_ context.Context, d DestinationConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now().UTC()
	m.destinations[d.ID] = d
	return nil
}

func (m *Memory) ListDestinations(_ context.Context) ([]DestinationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DestinationConfig, 0, len(m.destinations))
	for _, d := range m.destinations {
		out = append(out, d)
	}
	sortDestinations(out)
	return out, nil
}

func (m *Memory) TrackWallet(_ context.Context, w TrackedWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.destinations[w.DestinationID]; !ok {
		return ErrNotFound
	}
	w.Wallet = strings.ToLower(w.Wallet)
	if existing, ok := m.tracked[w.DestinationID][w.Wallet]; ok {
		w.AddedAt = existing.AddedAt
	}
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now().UTC()
	}
	if m.tracked[w.DestinationID] == nil {
		m.tracked[w.DestinationID] = make(map[string]TrackedWallet)
	}
	m.tracked[w.DestinationID][w.Wallet] = w
	return nil
}

func (m *Memory) UntrackWallet(_ context.Context, destinationID, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byWallet := m.tracked[destinationID]
	wallet = strings.ToLower(wallet)
	if _, ok := byWallet[wallet]; !ok {
		return ErrNotFound
	}
	delete(byWallet, wallet)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortDestinations(ds []DestinationConfig) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}

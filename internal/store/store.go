package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by admin lookups for unknown rows.
var ErrNotFound = errors.New("store: not found")

// SeenStore is the persistent set of processed trade identity keys.
type SeenStore interface {
	// HasSeen reports whether key was marked.
	HasSeen(ctx context.Context, key string) (bool, error)
	// MarkSeen records key. It returns true when this call inserted it and
	// false when the key was already present.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// WalletStore persists wallet profiles.
type WalletStore interface {
	GetWallet(ctx context.Context, wallet string) (WalletProfile, bool, error)
	// CreateWallet inserts p unless a profile for the wallet exists. It
	// returns true only for the call that inserted the row.
	CreateWallet(ctx context.Context, p WalletProfile) (bool, error)
	// IncrementWallet adds one to the transaction count of a known wallet.
	IncrementWallet(ctx context.Context, wallet string) error
}

// ConfigStore gives the pipeline read access to destination configuration.
type ConfigStore interface {
	// ActiveDestinations returns all destinations that are not paused.
	ActiveDestinations(ctx context.Context) ([]DestinationConfig, error)
	TrackedWallets(ctx context.Context) ([]TrackedWallet, error)
}

// AdminStore mutates destination configuration.
type AdminStore interface {
	UpsertDestination(ctx context.Context, d DestinationConfig) error
	ListDestinations(ctx context.Context) ([]DestinationConfig, error)
	TrackWallet(ctx context.Context, w TrackedWallet) error
	UntrackWallet(ctx context.Context, destinationID, wallet string) error
}

// PriceStore keeps market price snapshots and volatility alert cooldowns.
type PriceStore interface {
	RecordPrice(ctx context.Context, conditionID string, at time.Time, price float64) error
	// PriceBefore returns the newest snapshot taken at or before cutoff.
	PriceBefore(ctx context.Context, conditionID string, cutoff time.Time) (PricePoint, bool, error)
	// PrunePrices deletes snapshots older than before and returns how many.
	PrunePrices(ctx context.Context, before time.Time) (int, error)
	// ClaimCooldown records an alert for the market at now unless the last
	// one is younger than cooldown. It reports whether the claim was made.
	ClaimCooldown(ctx context.Context, conditionID string, now time.Time, cooldown time.Duration) (bool, error)
	// PruneCooldowns deletes alert records older than before.
	PruneCooldowns(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	SeenStore
	WalletStore
	ConfigStore
	AdminStore
	PriceStore
	Close() error
}

// withSeen overrides the seen set of a Store, e.g. with redis.
type withSeen struct {
	Store
	seen SeenStore
}

// WithSeenStore returns s with its dedup operations served by seen.
func WithSeenStore(s Store, seen SeenStore) Store {
	return &withSeen{Store: s, seen: seen}
}

func (w *withSeen) HasSeen(ctx context.Context, key string) (bool, error) {
	return w.seen.HasSeen(ctx, key)
}

func (w *withSeen) MarkSeen(ctx context.Context, key string) (bool, error) {
	return w.seen.MarkSeen(ctx, key)
}

func (w *withSeen) Close() error {
	err := w.Store.Close()
	if c, ok := w.seen.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
	"gopkg.in/yaml.v3"
)

// Seed is a YAML destination file. Values may reference ${ENV} variables.
type Seed struct {
	Destinations []SeedDestination `yaml:"destinations"`
}

// SeedDestination is one destination entry in a seed file. Zero thresholds
// take the store defaults.
type SeedDestination struct {
	ID                  string        `yaml:"id"`
	Name                string        `yaml:"name"`
	Routes              store.Routes  `yaml:"routes"`
	WhaleThreshold      float64       `yaml:"whale_threshold"`
	FreshThreshold      float64       `yaml:"fresh_threshold"`
	SportsThreshold     float64       `yaml:"sports_threshold"`
	VolatilityThreshold float64       `yaml:"volatility_threshold"`
	Paused              bool          `yaml:"paused"`
	Tracked             []SeedTracked `yaml:"tracked"`
}

// SeedTracked is a tracked wallet under a seed destination. AddedAt only
// applies when the pair is first tracked.
type SeedTracked struct {
	Wallet  string    `yaml:"wallet"`
	Label   string    `yaml:"label"`
	AddedBy string    `yaml:"added_by"`
	AddedAt time.Time `yaml:"added_at"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed expands ${ENV} references, decodes the YAML and validates every
// destination.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	seen := make(map[string]bool)
	for _, d := range seed.Destinations {
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate destination id %q", d.ID)
		}
		seen[d.ID] = true
		if err := d.Destination().Validate(); err != nil {
			return nil, err
		}
		for _, tw := range d.Tracked {
			if tw.Wallet == "" {
				return nil, fmt.Errorf("destination %s: tracked wallet address is required", d.ID)
			}
		}
	}
	return &seed, nil
}

// Destination converts the entry to a store destination.
func (d SeedDestination) Destination() store.DestinationConfig {
	out := store.NewDestination(d.ID, d.Name)
	if out.Name == "" {
		out.Name = d.ID
	}
	out.Routes = d.Routes
	out.Paused = d.Paused
	if d.WhaleThreshold != 0 {
		out.WhaleThreshold = d.WhaleThreshold
	}
	if d.FreshThreshold != 0 {
		out.FreshThreshold = d.FreshThreshold
	}
	if d.SportsThreshold != 0 {
		out.SportsThreshold = d.SportsThreshold
	}
	if d.VolatilityThreshold != 0 {
		out.VolatilityThreshold = d.VolatilityThreshold
	}
	return out
}

// TrackedWallets returns the entry's tracked wallets.
func (d SeedDestination) TrackedWallets() []store.TrackedWallet {
	out := make([]store.TrackedWallet, 0, len(d.Tracked))
	for _, tw := range d.Tracked {
		out = append(out, store.TrackedWallet{
			DestinationID: d.ID,
			Wallet:        strings.ToLower(strings.TrimSpace(tw.Wallet)),
			Label:         tw.Label,
			AddedBy:       tw.AddedBy,
			AddedAt:       tw.AddedAt,
		})
	}
	return out
}

// Apply upserts every destination and tracked wallet in the seed.
func (s *Seed) Apply(ctx context.Context, admin store.AdminStore) error {
	for _, d := range s.Destinations {
		if err := admin.UpsertDestination(ctx, d.Destination()); err != nil {
			return fmt.Errorf("upsert destination %s: %w", d.ID, err)
		}
		for _, tw := range d.TrackedWallets() {
			if err := admin.TrackWallet(ctx, tw); err != nil {
				return fmt.Errorf("track %s for %s: %w", tw.Wallet, d.ID, err)
			}
		}
	}
	return nil
}

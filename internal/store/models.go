// Package store provides data models and persistence backends.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade sources.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// BondPrice is the price at or above which a trade is treated as a bond.
const BondPrice = 0.95

// Trade is one executed fill reported by Polymarket, in canonical form.
type Trade struct {
	// Wallet is the proxy wallet that placed the trade, lower-cased.
	Wallet string `json:"wallet"`

	// Side is BUY or SELL.
	Side string `json:"side"`

	// AssetID is the outcome token id.
	AssetID string `json:"asset_id"`

	// ConditionID is the market/condition id.
	ConditionID string `json:"condition_id"`

	Size  float64 `json:"size"`
	Price float64 `json:"price"`

	// Timestamp is when the fill happened, truncated to seconds.
	Timestamp time.Time `json:"timestamp"`

	Title        string `json:"title,omitempty"`
	Slug         string `json:"slug,omitempty"`
	EventSlug    string `json:"event_slug,omitempty"`
	Outcome      string `json:"outcome"`
	OutcomeIndex int    `json:"outcome_index"`

	// Name is the trader's display name or pseudonym, if any.
	Name string `json:"name,omitempty"`

	TransactionHash string `json:"transaction_hash"`

	// Tags are raw tag slugs, labels or ids carried by the source record.
	Tags []string `json:"tags,omitempty"`

	// Source is SourcePush or SourcePoll.
	Source string `json:"source"`
}

// ValueUSD returns the notional value of the fill.
func (t Trade) ValueUSD() float64 {
	return t.Size * t.Price
}

// IsBuy reports whether the trade is on the BUY side.
func (t Trade) IsBuy() bool {
	return t.Side == SideBuy
}

// IsBond reports whether the trade was executed at a near-certain price.
func (t Trade) IsBond() bool {
	return t.Price >= BondPrice
}

// Key returns the deterministic identity key used for deduplication.
// Only normalized fields feed the hash so push and poll produce the same key.
// A trade without a transaction hash has no identity and Key returns "".
func (t Trade) Key() string {
	if t.TransactionHash == "" {
		return ""
	}
	asset := t.AssetID
	if asset == "" {
		asset = t.ConditionID
	}
	if len(asset) > 20 {
		asset = asset[:20]
	}
	var ts string
	if !t.Timestamp.IsZero() {
		ts = strconv.FormatInt(t.Timestamp.Unix(), 10)
	}
	raw := fmt.Sprintf("%s_%s_%s_%s", t.TransactionHash, ts, strings.ToLower(t.Wallet), asset)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MarketURL returns a link to the market on polymarket.com.
func (t Trade) MarketURL() string {
	slug := t.EventSlug
	if slug == "" {
		slug = t.Slug
	}
	if slug != "" {
		slug = strings.Trim(strings.SplitN(slug, "?", 2)[0], "/")
		return "https://polymarket.com/event/" + slug
	}
	if t.ConditionID != "" {
		return "https://polymarket.com/markets?condition_id=" + t.ConditionID
	}
	return "https://polymarket.com"
}

// WalletProfile records when a wallet was first observed and how often.
type WalletProfile struct {
	Wallet    string
	FirstSeen time.Time
	TxCount   int
}

// Routes holds the channel identifiers a destination delivers to.
// Empty means the route is not configured.
type Routes struct {
	Default    string `yaml:"default" json:"default,omitempty"`
	Whale      string `yaml:"whale" json:"whale,omitempty"`
	Fresh      string `yaml:"fresh" json:"fresh,omitempty"`
	Tracked    string `yaml:"tracked" json:"tracked,omitempty"`
	Sports     string `yaml:"sports" json:"sports,omitempty"`
	TopTrader  string `yaml:"top_trader" json:"top_trader,omitempty"`
	Bonds      string `yaml:"bonds" json:"bonds,omitempty"`
	Volatility string `yaml:"volatility" json:"volatility,omitempty"`
}

// WhaleRoute returns the whale route, falling back to the default.
func (r Routes) WhaleRoute() string { return coalesce(r.Whale, r.Default) }

// FreshRoute returns the fresh-wallet route, falling back to the default.
func (r Routes) FreshRoute() string { return coalesce(r.Fresh, r.Default) }

// TrackedRoute returns the tracked-wallet route, falling back to the default.
func (r Routes) TrackedRoute() string { return coalesce(r.Tracked, r.Default) }

// SportsRoute returns the sports route. When unset, sports alerts go where
// their non-sports counterpart would.
func (r Routes) SportsRoute(fresh bool) string {
	if r.Sports != "" {
		return r.Sports
	}
	if fresh {
		return r.FreshRoute()
	}
	return r.WhaleRoute()
}

// Threshold defaults and floors.
const (
	DefaultWhaleThreshold      = 10000
	DefaultFreshThreshold      = 10000
	DefaultSportsThreshold     = 5000
	DefaultVolatilityThreshold = 20.0

	MinThresholdUSD        = 100
	MinVolatilityThreshold = 5.0
	MaxVolatilityThreshold = 50.0
)

// DestinationConfig is a notification target with its own routes and thresholds.
type DestinationConfig struct {
	ID                  string
	Name                string
	Routes              Routes
	WhaleThreshold      float64
	FreshThreshold      float64
	SportsThreshold     float64
	VolatilityThreshold float64
	Paused              bool
	UpdatedAt           time.Time
}

// NewDestination returns a destination with default thresholds.
func NewDestination(id, name string) DestinationConfig {
	return DestinationConfig{
		ID:                  id,
		Name:                name,
		WhaleThreshold:      DefaultWhaleThreshold,
		FreshThreshold:      DefaultFreshThreshold,
		SportsThreshold:     DefaultSportsThreshold,
		VolatilityThreshold: DefaultVolatilityThreshold,
	}
}

// Validate checks thresholds against their documented floors.
func (d DestinationConfig) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("destination id is required")
	}
	if d.WhaleThreshold < MinThresholdUSD {
		return fmt.Errorf("destination %s: whale threshold must be >= %d", d.ID, MinThresholdUSD)
	}
	if d.FreshThreshold < MinThresholdUSD {
		return fmt.Errorf("destination %s: fresh threshold must be >= %d", d.ID, MinThresholdUSD)
	}
	if d.SportsThreshold < MinThresholdUSD {
		return fmt.Errorf("destination %s: sports threshold must be >= %d", d.ID, MinThresholdUSD)
	}
	if d.VolatilityThreshold < MinVolatilityThreshold || d.VolatilityThreshold > MaxVolatilityThreshold {
		return fmt.Errorf("destination %s: volatility threshold must be between %.0f and %.0f",
			d.ID, MinVolatilityThreshold, MaxVolatilityThreshold)
	}
	return nil
}

// PricePoint is one recorded yes-price of a market.
type PricePoint struct {
	At    time.Time
	Price float64
}

// TrackedWallet is a wallet explicitly followed by one destination.
type TrackedWallet struct {
	DestinationID string
	Wallet        string
	Label         string
	AddedBy       string
	AddedAt       time.Time
}

// Covers reports whether a trade at ts falls inside the tracking window.
// Unknown timestamps are allowed.
func (w TrackedWallet) Covers(ts time.Time) bool {
	if w.AddedAt.IsZero() || ts.IsZero() {
		return true
	}
	return !ts.Before(w.AddedAt)
}

// Tag is a market tag from the Gamma API.
type Tag struct {
	ID    string
	Label string
	Slug  string
}

// Market is market metadata from the catalog.
type Market struct {
	ConditionID string
	TokenIDs    []string
	Question    string
	Slug        string
	EventSlug   string
	GroupSlug   string
	Tags        []Tag
	YesPrice    float64
	Volume      float64
	Active      bool
}

// TraderInfo is one leaderboard row.
type TraderInfo struct {
	Wallet string  `json:"wallet"`
	Rank   int     `json:"rank"`
	Profit float64 `json:"profit"`
	Volume float64 `json:"volume"`
	Name   string  `json:"name,omitempty"`
}

// WalletStats is supplementary PnL information attached to alerts.
type WalletStats struct {
	PnL    float64 `json:"pnl"`
	Volume float64 `json:"volume"`
	Rank   int     `json:"rank"`
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

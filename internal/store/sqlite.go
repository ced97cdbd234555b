package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// seenRow is a processed trade identity key.
type seenRow struct {
	TradeKey string    `gorm:"primaryKey;size:64"`
	SeenAt   time.Time `gorm:"not null"`
}

func (seenRow) TableName() string { return "seen_trades" }

type walletRow struct {
	Wallet    string    `gorm:"primaryKey;size:64"`
	FirstSeen time.Time `gorm:"not null"`
	TxCount   int       `gorm:"not null;default:1"`
}

func (walletRow) TableName() string { return "wallet_profiles" }

type destinationRow struct {
	ID                  string `gorm:"primaryKey"`
	Name                string
	DefaultRoute        string
	WhaleRoute          string
	FreshRoute          string
	TrackedRoute        string
	SportsRoute         string
	TopTraderRoute      string
	BondsRoute          string
	VolatilityRoute     string
	WhaleThreshold      float64
	FreshThreshold      float64
	SportsThreshold     float64
	VolatilityThreshold float64
	Paused              bool `gorm:"index"`
	UpdatedAt           time.Time
}

func (destinationRow) TableName() string { return "destinations" }

type trackedRow struct {
	DestinationID string `gorm:"primaryKey"`
	Wallet        string `gorm:"primaryKey;size:64"`
	Label         string
	AddedBy       string
	AddedAt       time.Time
}

func (trackedRow) TableName() string { return "tracked_wallets" }

type priceRow struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConditionID string    `gorm:"not null;index:idx_price_market_time,priority:1"`
	TakenAt     time.Time `gorm:"not null;index:idx_price_market_time,priority:2"`
	Price       float64   `gorm:"not null"`
}

func (priceRow) TableName() string { return "price_snapshots" }

type cooldownRow struct {
	ConditionID string    `gorm:"primaryKey"`
	AlertedAt   time.Time `gorm:"not null"`
}

func (cooldownRow) TableName() string { return "volatility_cooldowns" }

// SQLite is a Store backed by a local SQLite file through gorm.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&seenRow{}, &walletRow{}, &destinationRow{}, &trackedRow{},
		&priceRow{}, &cooldownRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) HasSeen(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&seenRow{}).Where("trade_key = ?", key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("has seen: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) MarkSeen(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seenRow{TradeKey: key, SeenAt: time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("mark seen: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) GetWallet(ctx context.Context, wallet string) (WalletProfile, bool, error) {
	var row walletRow
	err := s.db.WithContext(ctx).Where("wallet = ?", strings.ToLower(wallet)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WalletProfile{}, false, nil
	}
	if err != nil {
		return WalletProfile{}, false, fmt.Errorf("get wallet: %w", err)
	}
	return WalletProfile{Wallet: row.Wallet, FirstSeen: row.FirstSeen, TxCount: row.TxCount}, true, nil
}

func (s *SQLite) CreateWallet(ctx context.Context, p WalletProfile) (bool, error) {
	row := walletRow{Wallet: strings.ToLower(p.Wallet), FirstSeen: p.FirstSeen, TxCount: p.TxCount}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("create wallet: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) IncrementWallet(ctx context.Context, wallet string) error {
	res := s.db.WithContext(ctx).Model(&walletRow{}).
		Where("wallet = ?", strings.ToLower(wallet)).
		UpdateColumn("tx_count", gorm.Expr("tx_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ActiveDestinations(ctx context.Context) ([]DestinationConfig, error) {
	var rows []destinationRow
	if err := s.db.WithContext(ctx).Where("paused = ?", false).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("active destinations: %w", err)
	}
	return destinationsFromRows(rows), nil
}

func (s *SQLite) ListDestinations(ctx context.Context) ([]DestinationConfig, error) {
	var rows []destinationRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return destinationsFromRows(rows), nil
}

func (s *SQLite) TrackedWallets(ctx context.Context) ([]TrackedWallet, error) {
	var rows []trackedRow
	if err := s.db.WithContext(ctx).Order("destination_id, wallet").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tracked wallets: %w", err)
	}
	out := make([]TrackedWallet, 0, len(rows))
	for _, r := range rows {
		out = append(out, TrackedWallet{
			DestinationID: r.DestinationID,
			Wallet:        r.Wallet,
			Label:         r.Label,
			AddedBy:       r.AddedBy,
			AddedAt:       r.AddedAt,
		})
	}
	return out, nil
}

func (s *SQLite) UpsertDestination(ctx context.Context, d DestinationConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	row := destinationToRow(d)
	row.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

func (s *SQLite) TrackWallet(ctx context.Context, w TrackedWallet) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&destinationRow{}).Where("id = ?", w.DestinationID).Count(&n).Error; err != nil {
		return fmt.Errorf("track wallet: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now().UTC()
	}
	row := trackedRow{
		DestinationID: w.DestinationID,
		Wallet:        strings.ToLower(w.Wallet),
		Label:         w.Label,
		AddedBy:       w.AddedBy,
		AddedAt:       w.AddedAt,
	}
	// Re-tracking relabels the pair; added_at keeps the first tracking time.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "destination_id"}, {Name: "wallet"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "added_by"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("track wallet: %w", err)
	}
	return nil
}

func (s *SQLite) UntrackWallet(ctx context.Context, destinationID, wallet string) error {
	res := s.db.WithContext(ctx).
		Where("destination_id = ? AND wallet = ?", destinationID, strings.ToLower(wallet)).
		Delete(&trackedRow{})
	if res.Error != nil {
		return fmt.Errorf("untrack wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) RecordPrice(ctx context.Context, conditionID string, at time.Time, price float64) error {
	row := priceRow{ConditionID: conditionID, TakenAt: at.UTC(), Price: price}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record price: %w", err)
	}
	return nil
}

func (s *SQLite) PriceBefore(ctx context.Context, conditionID string, cutoff time.Time) (PricePoint, bool, error) {
	var row priceRow
	err := s.db.WithContext(ctx).
		Where("condition_id = ? AND taken_at <= ?", conditionID, cutoff.UTC()).
		Order("taken_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PricePoint{}, false, nil
	}
	if err != nil {
		return PricePoint{}, false, fmt.Errorf("price before: %w", err)
	}
	return PricePoint{At: row.TakenAt, Price: row.Price}, true, nil
}

func (s *SQLite) PrunePrices(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("taken_at < ?", before.UTC()).Delete(&priceRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune prices: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQLite) ClaimCooldown(ctx context.Context, conditionID string, now time.Time, cooldown time.Duration) (bool, error) {
	row := cooldownRow{ConditionID: conditionID, AlertedAt: now.UTC()}
	// The update only fires once the previous alert has aged out.
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "condition_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"alerted_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "volatility_cooldowns.alerted_at <= ?", Vars: []any{now.Add(-cooldown).UTC()}},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("claim cooldown: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) PruneCooldowns(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("alerted_at < ?", before.UTC()).Delete(&cooldownRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune cooldowns: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Close releases the underlying connection pool.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func destinationToRow(d DestinationConfig) destinationRow {
	return destinationRow{
		ID:                  d.ID,
		Name:                d.Name,
		DefaultRoute:        d.Routes.Default,
		WhaleRoute:          d.Routes.Whale,
		FreshRoute:          d.Routes.Fresh,
		TrackedRoute:        d.Routes.Tracked,
		SportsRoute:         d.Routes.Sports,
		TopTraderRoute:      d.Routes.TopTrader,
		BondsRoute:          d.Routes.Bonds,
		VolatilityRoute:     d.Routes.Volatility,
		WhaleThreshold:      d.WhaleThreshold,
		FreshThreshold:      d.FreshThreshold,
		SportsThreshold:     d.SportsThreshold,
		VolatilityThreshold: d.VolatilityThreshold,
		Paused:              d.Paused,
		UpdatedAt:           d.UpdatedAt,
	}
}

func destinationsFromRows(rows []destinationRow) []DestinationConfig {
	out := make([]DestinationConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, DestinationConfig{
			ID:   r.ID,
			Name: r.Name,
			Routes: Routes{
				Default:    r.DefaultRoute,
				Whale:      r.WhaleRoute,
				Fresh:      r.FreshRoute,
				Tracked:    r.TrackedRoute,
				Sports:     r.SportsRoute,
				TopTrader:  r.TopTraderRoute,
				Bonds:      r.BondsRoute,
				Volatility: r.VolatilityRoute,
			},
			WhaleThreshold:      r.WhaleThreshold,
			FreshThreshold:      r.FreshThreshold,
			SportsThreshold:     r.SportsThreshold,
			VolatilityThreshold: r.VolatilityThreshold,
			Paused:              r.Paused,
			UpdatedAt:           r.UpdatedAt,
		})
	}
	return out
}

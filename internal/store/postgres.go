package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS seen_trades (
	trade_key TEXT PRIMARY KEY,
	seen_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS wallet_profiles (
	wallet     TEXT PRIMARY KEY,
	first_seen TIMESTAMPTZ NOT NULL,
	tx_count   INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS destinations (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	default_route        TEXT NOT NULL DEFAULT '',
	whale_route          TEXT NOT NULL DEFAULT '',
	fresh_route          TEXT NOT NULL DEFAULT '',
	tracked_route        TEXT NOT NULL DEFAULT '',
	sports_route         TEXT NOT NULL DEFAULT '',
	top_trader_route     TEXT NOT NULL DEFAULT '',
	bonds_route          TEXT NOT NULL DEFAULT '',
	volatility_route     TEXT NOT NULL DEFAULT '',
	whale_threshold      DOUBLE PRECISION NOT NULL,
	fresh_threshold      DOUBLE PRECISION NOT NULL,
	sports_threshold     DOUBLE PRECISION NOT NULL,
	volatility_threshold DOUBLE PRECISION NOT NULL,
	paused               BOOLEAN NOT NULL DEFAULT false,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tracked_wallets (
	destination_id TEXT NOT NULL REFERENCES destinations(id) ON DELETE CASCADE,
	wallet         TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	added_by       TEXT NOT NULL DEFAULT '',
	added_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (destination_id, wallet)
);
CREATE TABLE IF NOT EXISTS price_snapshots (
	id           BIGSERIAL PRIMARY KEY,
	condition_id TEXT NOT NULL,
	taken_at     TIMESTAMPTZ NOT NULL,
	price        DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_market_time ON price_snapshots (condition_id, taken_at);
CREATE TABLE IF NOT EXISTS volatility_cooldowns (
	condition_id TEXT PRIMARY KEY,
	alerted_at   TIMESTAMPTZ NOT NULL
);`

const destinationColumns = `id, name, default_route, whale_route, fresh_route, tracked_route,
	sports_route, top_trader_route, bonds_route, volatility_route,
	whale_threshold, fresh_threshold, sports_threshold, volatility_threshold, paused, updated_at`

// Postgres is a Store backed by PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connStr, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, connStr string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) HasSeen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM seen_trades WHERE trade_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has seen: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MarkSeen(ctx context.Context, key string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `INSERT INTO seen_trades (trade_key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetWallet(ctx context.Context, wallet string) (WalletProfile, bool, error) {
	var w WalletProfile
	err := p.pool.QueryRow(ctx,
		`SELECT wallet, first_seen, tx_count FROM wallet_profiles WHERE wallet = $1`,
		strings.ToLower(wallet),
	).Scan(&w.Wallet, &w.FirstSeen, &w.TxCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return WalletProfile{}, false, nil
	}
	if err != nil {
		return WalletProfile{}, false, fmt.Errorf("get wallet: %w", err)
	}
	return w, true, nil
}

func (p *Postgres) CreateWallet(ctx context.Context, w WalletProfile) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO wallet_profiles (wallet, first_seen, tx_count) VALUES ($1, $2, $3)
		ON CONFLICT (wallet) DO NOTHING`,
		strings.ToLower(w.Wallet), w.FirstSeen, w.TxCount,
	)
	if err != nil {
		return false, fmt.Errorf("create wallet: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) IncrementWallet(ctx context.Context, wallet string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE wallet_profiles SET tx_count = tx_count + 1 WHERE wallet = $1`,
		strings.ToLower(wallet),
	)
	if err != nil {
		return fmt.Errorf("increment wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ActiveDestinations(ctx context.Context) ([]DestinationConfig, error) {
	return p.queryDestinations(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE NOT paused ORDER BY id`)
}

func (p *Postgres) ListDestinations(ctx context.Context) ([]DestinationConfig, error) {
	return p.queryDestinations(ctx, `SELECT `+destinationColumns+` FROM destinations ORDER BY id`)
}

func (p *Postgres) queryDestinations(ctx context.Context, sql string) ([]DestinationConfig, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rows.Close()

	var out []DestinationConfig
	for rows.Next() {
		var d DestinationConfig
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Routes.Default, &d.Routes.Whale, &d.Routes.Fresh, &d.Routes.Tracked,
			&d.Routes.Sports, &d.Routes.TopTrader, &d.Routes.Bonds, &d.Routes.Volatility,
			&d.WhaleThreshold, &d.FreshThreshold, &d.SportsThreshold, &d.VolatilityThreshold,
			&d.Paused, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) TrackedWallets(ctx context.Context) ([]TrackedWallet, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT destination_id, wallet, label, added_by, added_at
		FROM tracked_wallets ORDER BY destination_id, wallet`)
	if err != nil {
		return nil, fmt.Errorf("query tracked wallets: %w", err)
	}
	defer rows.Close()

	var out []TrackedWallet
	for rows.Next() {
		var w TrackedWallet
		if err := rows.Scan(&w.DestinationID, &w.Wallet, &w.Label, &w.AddedBy, &w.AddedAt); err != nil {
			return nil, fmt.Errorf("scan tracked wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertDestination(ctx context.Context, d DestinationConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO destinations (`+destinationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			default_route = EXCLUDED.default_route,
			whale_route = EXCLUDED.whale_route,
			fresh_route = EXCLUDED.fresh_route,
			tracked_route = EXCLUDED.tracked_route,
			sports_route = EXCLUDED.sports_route,
			top_trader_route = EXCLUDED.top_trader_route,
			bonds_route = EXCLUDED.bonds_route,
			volatility_route = EXCLUDED.volatility_route,
			whale_threshold = EXCLUDED.whale_threshold,
			fresh_threshold = EXCLUDED.fresh_threshold,
			sports_threshold = EXCLUDED.sports_threshold,
			volatility_threshold = EXCLUDED.volatility_threshold,
			paused = EXCLUDED.paused,
			updated_at = now()`,
		d.ID, d.Name, d.Routes.Default, d.Routes.Whale, d.Routes.Fresh, d.Routes.Tracked,
		d.Routes.Sports, d.Routes.TopTrader, d.Routes.Bonds, d.Routes.Volatility,
		d.WhaleThreshold, d.FreshThreshold, d.SportsThreshold, d.VolatilityThreshold, d.Paused,
	)
	if err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

func (p *Postgres) TrackWallet(ctx context.Context, w TrackedWallet) error {
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO tracked_wallets (destination_id, wallet, label, added_by, added_at)
		SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM destinations WHERE id = $1)
		ON CONFLICT (destination_id, wallet) DO UPDATE SET label = EXCLUDED.label, added_by = EXCLUDED.added_by`,
		w.DestinationID, strings.ToLower(w.Wallet), w.Label, w.AddedBy, w.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("track wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UntrackWallet(ctx context.Context, destinationID, wallet string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM tracked_wallets WHERE destination_id = $1 AND wallet = $2`,
		destinationID, strings.ToLower(wallet),
	)
	if err != nil {
		return fmt.Errorf("untrack wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordPrice(ctx context.Context, conditionID string, at time.Time, price float64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO price_snapshots (condition_id, taken_at, price) VALUES ($1, $2, $3)`,
		conditionID, at.UTC(), price,
	)
	if err != nil {
		return fmt.Errorf("record price: %w", err)
	}
	return nil
}

func (p *Postgres) PriceBefore(ctx context.Context, conditionID string, cutoff time.Time) (PricePoint, bool, error) {
	var pt PricePoint
	err := p.pool.QueryRow(ctx, `
		SELECT taken_at, price FROM price_snapshots
		WHERE condition_id = $1 AND taken_at <= $2
		ORDER BY taken_at DESC LIMIT 1`,
		conditionID, cutoff.UTC(),
	).Scan(&pt.At, &pt.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return PricePoint{}, false, nil
	}
	if err != nil {
		return PricePoint{}, false, fmt.Errorf("price before: %w", err)
	}
	return pt, true, nil
}

func (p *Postgres) PrunePrices(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM price_snapshots WHERE taken_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune prices: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ClaimCooldown(ctx context.Context, conditionID string, now time.Time, cooldown time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO volatility_cooldowns (condition_id, alerted_at) VALUES ($1, $2)
		ON CONFLICT (condition_id) DO UPDATE SET alerted_at = EXCLUDED.alerted_at
		WHERE volatility_cooldowns.alerted_at <= $3`,
		conditionID, now.UTC(), now.Add(-cooldown).UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim cooldown: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) PruneCooldowns(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM volatility_cooldowns WHERE alerted_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune cooldowns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

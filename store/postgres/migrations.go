package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tithe store.
var Migrations = migrate.NewGroup("tithe")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tithe_pending",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_pending (
    venue      TEXT NOT NULL,
    asset      TEXT NOT NULL,
    amount     NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (venue, asset)
);

CREATE INDEX IF NOT EXISTS idx_tithe_pending_asset ON tithe_pending (asset) WHERE amount > 0;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_pending;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_collected",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_collected (
    venue         TEXT NOT NULL,
    asset         TEXT NOT NULL,
    lifetime_fees NUMERIC(78,0) NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (venue, asset)
);

CREATE TABLE IF NOT EXISTS tithe_trade_counts (
    venue       TEXT PRIMARY KEY,
    trade_count BIGINT NOT NULL DEFAULT 0
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_collected; DROP TABLE IF EXISTS tithe_trade_counts;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_collections",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_collections (
    id           TEXT PRIMARY KEY,
    venue        TEXT NOT NULL,
    asset        TEXT NOT NULL,
    amount       TEXT NOT NULL,
    shares       TEXT NOT NULL,
    sink         TEXT NOT NULL,
    caller       TEXT NOT NULL DEFAULT '',
    collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tithe_collections_key ON tithe_collections (venue, asset, collected_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_collections;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_accruals",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_accruals (
    id          TEXT PRIMARY KEY,
    venue       TEXT NOT NULL,
    asset       TEXT NOT NULL,
    fee         TEXT NOT NULL,
    specified   TEXT NOT NULL,
    exact_input BOOLEAN NOT NULL DEFAULT FALSE,
    rate_bps    INT NOT NULL,
    initiator   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tithe_accruals_venue ON tithe_accruals (venue, created_at);
CREATE INDEX IF NOT EXISTS idx_tithe_accruals_initiator ON tithe_accruals (initiator);
CREATE INDEX IF NOT EXISTS idx_tithe_accruals_created ON tithe_accruals (created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_accruals;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_policies",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_policies (
    engine          TEXT PRIMARY KEY,
    owner           TEXT NOT NULL,
    global_rate_bps INT NOT NULL DEFAULT 0 CHECK (global_rate_bps <= 500),
    overrides       JSONB NOT NULL DEFAULT '{}',
    paused          BOOLEAN NOT NULL DEFAULT FALSE,
    dust_threshold  TEXT NOT NULL DEFAULT '0',
    fee_sink        TEXT NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tithe_policy_changes (
    id         TEXT PRIMARY KEY,
    engine     TEXT NOT NULL,
    actor      TEXT NOT NULL,
    kind       TEXT NOT NULL,
    venue      TEXT NOT NULL DEFAULT '',
    old_value  TEXT NOT NULL DEFAULT '',
    new_value  TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tithe_policy_changes_engine ON tithe_policy_changes (engine, kind, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_policies; DROP TABLE IF EXISTS tithe_policy_changes;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_vaults",
			Version: "20250101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_vaults (
    vault            TEXT PRIMARY KEY,
    asset            TEXT NOT NULL,
    donation_address TEXT NOT NULL,
    total_donated    TEXT NOT NULL DEFAULT '0',
    total_shares     TEXT NOT NULL DEFAULT '0',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tithe_vault_shares (
    vault      TEXT NOT NULL,
    holder     TEXT NOT NULL,
    shares     TEXT NOT NULL DEFAULT '0',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (vault, holder)
);

CREATE TABLE IF NOT EXISTS tithe_donations (
    id          TEXT PRIMARY KEY,
    vault       TEXT NOT NULL,
    depositor   TEXT NOT NULL,
    tag         TEXT NOT NULL DEFAULT '',
    beneficiary TEXT NOT NULL,
    assets      TEXT NOT NULL,
    shares      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tithe_donations_vault ON tithe_donations (vault, beneficiary, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_vaults; DROP TABLE IF EXISTS tithe_vault_shares; DROP TABLE IF EXISTS tithe_donations;`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tithe_yield",
			Version: "20250101000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tithe_yield_states (
    strategy      TEXT PRIMARY KEY,
    asset         TEXT NOT NULL,
    last_reported TEXT NOT NULL DEFAULT '0',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tithe_yield_reports (
    id           TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL,
    asset        TEXT NOT NULL,
    previous     TEXT NOT NULL,
    total_assets TEXT NOT NULL,
    profit       TEXT NOT NULL,
    reported_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tithe_yield_reports_strategy ON tithe_yield_reports (strategy, reported_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tithe_yield_states; DROP TABLE IF EXISTS tithe_yield_reports;`)
				return err
			},
		},
	)
}

package storage

// Migration represents a database migration
type Migration struct {
	Version     string `db:"version"`
	Description string `db:"description"`
	SQL         string `db:"sql"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create indexed transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexed_transactions (
					hash TEXT PRIMARY KEY,
					utime INTEGER NOT NULL,      -- unix ms
					indexed_at INTEGER NOT NULL  -- unix ms
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					wallet_address TEXT NOT NULL,
					contract_address TEXT NOT NULL UNIQUE,
					code_version INTEGER NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					principals TEXT NOT NULL, -- JSON, symbol -> decimal string
					state TEXT NOT NULL DEFAULT 'active'
				);

				CREATE INDEX IF NOT EXISTS idx_accounts_wallet ON accounts(wallet_address);
				CREATE INDEX IF NOT EXISTS idx_accounts_state ON accounts(state);
			`,
		},
		{
			Version:     "003",
			Description: "Create liquidation tasks table",
			SQL: `
				CREATE TABLE IF NOT EXISTS liquidation_tasks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					query_id TEXT NOT NULL UNIQUE,
					wallet_address TEXT NOT NULL,
					contract_address TEXT NOT NULL,
					loan_asset TEXT NOT NULL,
					collateral_asset TEXT NOT NULL,
					liquidation_amount TEXT NOT NULL,
					min_collateral_amount TEXT NOT NULL,
					prices_cell TEXT NOT NULL, -- base64 BOC
					signature TEXT NOT NULL,   -- hex
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					state TEXT NOT NULL DEFAULT 'pending'
				);

				CREATE INDEX IF NOT EXISTS idx_tasks_wallet_state ON liquidation_tasks(wallet_address, state);
				CREATE INDEX IF NOT EXISTS idx_tasks_state ON liquidation_tasks(state);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create indexed transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexed_transactions (
					hash TEXT PRIMARY KEY,
					utime BIGINT NOT NULL,
					indexed_at BIGINT NOT NULL
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					id BIGSERIAL PRIMARY KEY,
					wallet_address TEXT NOT NULL,
					contract_address TEXT NOT NULL UNIQUE,
					code_version BIGINT NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					principals TEXT NOT NULL,
					state TEXT NOT NULL DEFAULT 'active'
				);

				CREATE INDEX IF NOT EXISTS idx_accounts_wallet ON accounts(wallet_address);
				CREATE INDEX IF NOT EXISTS idx_accounts_state ON accounts(state);
			`,
		},
		{
			Version:     "003",
			Description: "Create liquidation tasks table",
			SQL: `
				CREATE TABLE IF NOT EXISTS liquidation_tasks (
					id BIGSERIAL PRIMARY KEY,
					query_id TEXT NOT NULL UNIQUE,
					wallet_address TEXT NOT NULL,
					contract_address TEXT NOT NULL,
					loan_asset TEXT NOT NULL,
					collateral_asset TEXT NOT NULL,
					liquidation_amount TEXT NOT NULL,
					min_collateral_amount TEXT NOT NULL,
					prices_cell TEXT NOT NULL,
					signature TEXT NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					state TEXT NOT NULL DEFAULT 'pending'
				);

				CREATE INDEX IF NOT EXISTS idx_tasks_wallet_state ON liquidation_tasks(wallet_address, state);
				CREATE INDEX IF NOT EXISTS idx_tasks_state ON liquidation_tasks(state);
			`,
		},
	}
}

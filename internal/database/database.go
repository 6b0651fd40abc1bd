package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"marketsync/internal/config"
	"marketsync/internal/domain"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// DB is the SQL implementation of domain.Store.
type DB struct {
	*sql.DB
	driver string
	path   string
	logger zerolog.Logger
}

var _ domain.Store = (*DB)(nil)

// Open connects to the configured database and creates missing tables.
func Open(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "database").Logger()
	}

	switch cfg.Driver {
	case DriverSQLite:
		return NewSQLite(cfg.Path, &l)
	case DriverMySQL:
		return NewMySQL(cfg.DSN, &l)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func NewSQLite(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open(DriverSQLite, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent transactions would hit SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	return initialize(sqlDB, DriverSQLite, path, logger)
}

func NewMySQL(dsn string, logger *zerolog.Logger) (*DB, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.Loc = time.UTC
	// UpdateJob relies on matched rather than changed row counts.
	mcfg.ClientFoundRows = true

	sqlDB, err := sql.Open(DriverMySQL, mcfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return initialize(sqlDB, DriverMySQL, "", logger)
}

func initialize(sqlDB *sql.DB, driver, path string, logger *zerolog.Logger) (*DB, error) {
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver, path: path, logger: zerolog.Nop()}
	if logger != nil {
		db.logger = *logger
	}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("driver", driver).Str("path", path).Msg("database initialized")
	return db, nil
}

// Driver reports the SQL dialect in use.
func (db *DB) Driver() string { return db.driver }

// Path is the sqlite file path, empty for mysql.
func (db *DB) Path() string { return db.path }

func (db *DB) Close() error {
	return db.DB.Close()
}

func (db *DB) createTables() error {
	queries := sqliteSchema
	if db.driver == DriverMySQL {
		queries = mysqlSchema
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// upsert builds an insert that overwrites update columns on key collision.
func (db *DB) upsert(table string, cols, keys []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		if db.driver == DriverMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	if db.driver == DriverMySQL {
		return query + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return query + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

// insertIgnore builds an insert that silently skips duplicates.
func (db *DB) insertIgnore(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if db.driver == DriverMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(cols, ", "), placeholders)
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
            id TEXT PRIMARY KEY,
            organization_id TEXT NOT NULL,
            store_id TEXT NOT NULL DEFAULT '',
            platform TEXT NOT NULL,
            type TEXT NOT NULL,
            status TEXT NOT NULL,
            total_items INTEGER NOT NULL DEFAULT 0,
            processed_items INTEGER NOT NULL DEFAULT 0,
            failed_items INTEGER NOT NULL DEFAULT 0,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            started_at DATETIME,
            completed_at DATETIME
        )`,
	`CREATE TABLE IF NOT EXISTS conflicts (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            platform TEXT NOT NULL DEFAULT '',
            product_id TEXT NOT NULL,
            variant_id TEXT NOT NULL DEFAULT '',
            field TEXT NOT NULL,
            local_value TEXT,
            platform_value TEXT,
            type TEXT NOT NULL,
            status TEXT NOT NULL,
            strategy TEXT NOT NULL DEFAULT '',
            resolved_value TEXT,
            resolved_by TEXT NOT NULL DEFAULT '',
            resolved_at DATETIME,
            created_at DATETIME NOT NULL
        )`,
	`CREATE TABLE IF NOT EXISTS local_products (
            store_id TEXT NOT NULL,
            sku TEXT NOT NULL,
            id TEXT NOT NULL DEFAULT '',
            external_id TEXT NOT NULL DEFAULT '',
            variant_id TEXT NOT NULL DEFAULT '',
            attributes TEXT NOT NULL DEFAULT '{}',
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (store_id, sku)
        )`,
	`CREATE TABLE IF NOT EXISTS inventory_levels (
            store_id TEXT NOT NULL,
            sku TEXT NOT NULL,
            quantity INTEGER NOT NULL DEFAULT 0,
            reserved INTEGER NOT NULL DEFAULT 0,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (store_id, sku)
        )`,
	`CREATE TABLE IF NOT EXISTS orders (
            store_id TEXT NOT NULL,
            platform TEXT NOT NULL,
            id TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT '',
            currency TEXT NOT NULL DEFAULT '',
            total TEXT NOT NULL DEFAULT '0',
            order_lines TEXT NOT NULL DEFAULT '[]',
            placed_at DATETIME NOT NULL,
            fetched_at DATETIME NOT NULL,
            PRIMARY KEY (store_id, platform, id)
        )`,

	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_org ON sync_jobs(organization_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_store_status ON conflicts(store_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_placed ON orders(store_id, platform, placed_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
            id VARCHAR(64) PRIMARY KEY,
            organization_id VARCHAR(191) NOT NULL,
            store_id VARCHAR(191) NOT NULL DEFAULT '',
            platform VARCHAR(64) NOT NULL,
            type VARCHAR(32) NOT NULL,
            status VARCHAR(16) NOT NULL,
            total_items INT NOT NULL DEFAULT 0,
            processed_items INT NOT NULL DEFAULT 0,
            failed_items INT NOT NULL DEFAULT 0,
            retry_count INT NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL,
            metadata JSON NOT NULL,
            created_at DATETIME(6) NOT NULL,
            updated_at DATETIME(6) NOT NULL,
            started_at DATETIME(6) NULL,
            completed_at DATETIME(6) NULL,
            INDEX idx_sync_jobs_org (organization_id, created_at),
            INDEX idx_sync_jobs_status (status, created_at)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conflicts (
            id VARCHAR(64) PRIMARY KEY,
            store_id VARCHAR(191) NOT NULL,
            platform VARCHAR(64) NOT NULL DEFAULT '',
            product_id VARCHAR(191) NOT NULL,
            variant_id VARCHAR(191) NOT NULL DEFAULT '',
            field VARCHAR(191) NOT NULL,
            local_value JSON NULL,
            platform_value JSON NULL,
            type VARCHAR(32) NOT NULL,
            status VARCHAR(16) NOT NULL,
            strategy VARCHAR(16) NOT NULL DEFAULT '',
            resolved_value JSON NULL,
            resolved_by VARCHAR(191) NOT NULL DEFAULT '',
            resolved_at DATETIME(6) NULL,
            created_at DATETIME(6) NOT NULL,
            INDEX idx_conflicts_store_status (store_id, status)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS local_products (
            store_id VARCHAR(191) NOT NULL,
            sku VARCHAR(191) NOT NULL,
            id VARCHAR(191) NOT NULL DEFAULT '',
            external_id VARCHAR(191) NOT NULL DEFAULT '',
            variant_id VARCHAR(191) NOT NULL DEFAULT '',
            attributes JSON NOT NULL,
            updated_at DATETIME(6) NOT NULL,
            PRIMARY KEY (store_id, sku)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS inventory_levels (
            store_id VARCHAR(191) NOT NULL,
            sku VARCHAR(191) NOT NULL,
            quantity BIGINT NOT NULL DEFAULT 0,
            reserved BIGINT NOT NULL DEFAULT 0,
            updated_at DATETIME(6) NOT NULL,
            PRIMARY KEY (store_id, sku)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
            store_id VARCHAR(191) NOT NULL,
            platform VARCHAR(64) NOT NULL,
            id VARCHAR(191) NOT NULL,
            status VARCHAR(64) NOT NULL DEFAULT '',
            currency VARCHAR(8) NOT NULL DEFAULT '',
            total DECIMAL(20,4) NOT NULL DEFAULT 0,
            order_lines JSON NOT NULL,
            placed_at DATETIME(6) NOT NULL,
            fetched_at DATETIME(6) NOT NULL,
            PRIMARY KEY (store_id, platform, id),
            INDEX idx_orders_placed (store_id, platform, placed_at)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

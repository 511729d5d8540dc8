package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"ledgerchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present. Monetary amounts are stored
// as decimal strings, never as floats.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				provider TEXT NOT NULL,
				api_key TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(user_id, provider),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS customers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				UNIQUE(user_id, name),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS products (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				unit_price TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(user_id, name),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				code TEXT NOT NULL,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(user_id, code),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS journal_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				memo TEXT NOT NULL,
				entry_date TEXT NOT NULL,
				idempotency_key TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_idem
				ON journal_entries(idempotency_key)`,
			`CREATE TABLE IF NOT EXISTS journal_lines (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entry_id INTEGER NOT NULL,
				account_id INTEGER NOT NULL,
				debit TEXT NOT NULL,
				credit TEXT NOT NULL,
				FOREIGN KEY(entry_id) REFERENCES journal_entries(id) ON DELETE CASCADE,
				FOREIGN KEY(account_id) REFERENCES accounts(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_journal_lines_entry ON journal_lines(entry_id)`,
			`CREATE TABLE IF NOT EXISTS invoices (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				number TEXT NOT NULL,
				customer_id INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'draft',
				invoice_date TEXT NOT NULL,
				due_date TEXT NOT NULL,
				subtotal TEXT NOT NULL,
				tax_total TEXT NOT NULL,
				total TEXT NOT NULL,
				amount_paid TEXT NOT NULL DEFAULT '0',
				notes TEXT NOT NULL DEFAULT '',
				journal_entry_id INTEGER,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				UNIQUE(user_id, number),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY(customer_id) REFERENCES customers(id),
				FOREIGN KEY(journal_entry_id) REFERENCES journal_entries(id)
			)`,
			`CREATE TABLE IF NOT EXISTS invoice_lines (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				invoice_id INTEGER NOT NULL,
				description TEXT NOT NULL,
				quantity TEXT NOT NULL,
				unit_price TEXT NOT NULL,
				amount TEXT NOT NULL,
				FOREIGN KEY(invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS payments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				invoice_id INTEGER NOT NULL,
				amount TEXT NOT NULL,
				payment_date TEXT NOT NULL,
				journal_entry_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY(invoice_id) REFERENCES invoices(id),
				FOREIGN KEY(journal_entry_id) REFERENCES journal_entries(id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				conversation_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'message',
				metadata TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS conversation_contexts (
				conversation_id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				phase TEXT NOT NULL,
				pending_action TEXT NOT NULL,
				collected_data TEXT NOT NULL,
				missing_fields TEXT NOT NULL,
				idempotency_key TEXT NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_contexts_user ON conversation_contexts(user_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				username VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_user_tokens_user (user_id),
				CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				provider VARCHAR(100) NOT NULL,
				api_key TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_user_provider (user_id, provider),
				CONSTRAINT fk_api_keys_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS customers (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_customer_name (user_id, name),
				CONSTRAINT fk_customers_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS products (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				unit_price VARCHAR(64) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_product_name (user_id, name),
				CONSTRAINT fk_products_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS accounts (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				code VARCHAR(32) NOT NULL,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(32) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_account_code (user_id, code),
				CONSTRAINT fk_accounts_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS journal_entries (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				memo VARCHAR(512) NOT NULL,
				entry_date VARCHAR(32) NOT NULL,
				idempotency_key VARCHAR(64) NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_journal_idem (idempotency_key),
				INDEX idx_journal_user (user_id),
				CONSTRAINT fk_journal_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS journal_lines (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				entry_id BIGINT UNSIGNED NOT NULL,
				account_id BIGINT UNSIGNED NOT NULL,
				debit VARCHAR(64) NOT NULL,
				credit VARCHAR(64) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_journal_lines_entry (entry_id),
				CONSTRAINT fk_journal_lines_entry FOREIGN KEY (entry_id) REFERENCES journal_entries(id) ON DELETE CASCADE,
				CONSTRAINT fk_journal_lines_account FOREIGN KEY (account_id) REFERENCES accounts(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS invoices (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				number VARCHAR(32) NOT NULL,
				customer_id BIGINT UNSIGNED NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'draft',
				invoice_date VARCHAR(32) NOT NULL,
				due_date VARCHAR(32) NOT NULL,
				subtotal VARCHAR(64) NOT NULL,
				tax_total VARCHAR(64) NOT NULL,
				total VARCHAR(64) NOT NULL,
				amount_paid VARCHAR(64) NOT NULL DEFAULT '0',
				notes TEXT,
				journal_entry_id BIGINT UNSIGNED,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_invoice_number (user_id, number),
				CONSTRAINT fk_invoices_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
				CONSTRAINT fk_invoices_customer FOREIGN KEY (customer_id) REFERENCES customers(id),
				CONSTRAINT fk_invoices_journal FOREIGN KEY (journal_entry_id) REFERENCES journal_entries(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS invoice_lines (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				invoice_id BIGINT UNSIGNED NOT NULL,
				description VARCHAR(512) NOT NULL,
				quantity VARCHAR(64) NOT NULL,
				unit_price VARCHAR(64) NOT NULL,
				amount VARCHAR(64) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_invoice_lines_invoice (invoice_id),
				CONSTRAINT fk_invoice_lines_invoice FOREIGN KEY (invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS payments (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				invoice_id BIGINT UNSIGNED NOT NULL,
				amount VARCHAR(64) NOT NULL,
				payment_date VARCHAR(32) NOT NULL,
				journal_entry_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				CONSTRAINT fk_payments_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
				CONSTRAINT fk_payments_invoice FOREIGN KEY (invoice_id) REFERENCES invoices(id),
				CONSTRAINT fk_payments_journal FOREIGN KEY (journal_entry_id) REFERENCES journal_entries(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				conversation_id VARCHAR(64) NOT NULL,
				role VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				type VARCHAR(16) NOT NULL DEFAULT 'message',
				metadata MEDIUMTEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id, created_at),
				CONSTRAINT fk_messages_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversation_contexts (
				conversation_id VARCHAR(64) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				phase VARCHAR(16) NOT NULL,
				pending_action VARCHAR(64) NOT NULL,
				collected_data MEDIUMTEXT NOT NULL,
				missing_fields TEXT NOT NULL,
				idempotency_key VARCHAR(64) NOT NULL,
				updated_at DATETIME NOT NULL,
				INDEX idx_contexts_user (user_id),
				CONSTRAINT fk_contexts_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

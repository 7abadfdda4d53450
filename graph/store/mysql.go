package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS prompts (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			system_prompt TEXT NOT NULL,
			user_prompt TEXT NOT NULL,
			version INT NOT NULL,
			template_vars JSON NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_prompts_name (name, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_data (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			step_run_id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			run_time VARCHAR(64) NOT NULL,
			execution_time_ns BIGINT NOT NULL,
			model VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			prompt JSON NULL,
			input_data LONGTEXT NOT NULL,
			output_data LONGTEXT NOT NULL,
			error TEXT NOT NULL,
			UNIQUE KEY unique_step_run_id (step_run_id),
			INDEX idx_run_data_run_id (run_id),
			INDEX idx_run_data_step (step_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
}

// NewMySQLStore connects to a MySQL/MariaDB database.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Read the DSN from the
//	environment or from the env var named in the configuration file.
//
// The store configures a connection pool, verifies the connection and
// creates its tables if they don't exist.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

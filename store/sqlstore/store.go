// Package sqlstore persists authorization records in a relational database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/udhos/checkout/authorization"
)

// Supported values for Config.Driver.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and tunes the database.
type Config struct {
	Driver string

	// DSN, if set, is passed to the driver as is.
	DSN string

	Host     string
	Port     string
	User     string
	Password string
	Name     string

	// Path is the database file for sqlite.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		switch c.Driver {
		case DriverPostgres:
			c.Port = "5432"
		default:
			c.Port = "3306"
		}
	}
	if c.Path == "" {
		c.Path = filepath.Join("data", "checkout.db")
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 15 * time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
}

// driverName maps Config.Driver into the database/sql driver name.
func (c Config) driverName() (string, error) {
	switch c.Driver {
	case DriverMySQL:
		return "mysql", nil
	case DriverPostgres:
		return "pgx", nil
	case DriverSQLite:
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported database driver: %q", c.Driver)
}

// DataSourceName builds the driver connection string.
func (c Config) DataSourceName() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Name,
		)
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", c.Path)
	}
	m := mysql.NewConfig()
	m.User = c.User
	m.Passwd = c.Password
	m.Net = "tcp"
	m.Addr = net.JoinHostPort(c.Host, c.Port)
	m.DBName = c.Name
	m.ParseTime = true
	return m.FormatDSN()
}

// Store is the sql-backed authorization.Store.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database and creates the authorizations table
// when it does not exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	driverName, errDriver := cfg.driverName()
	if errDriver != nil {
		return nil, errDriver
	}

	if cfg.Driver == DriverSQLite && cfg.DSN == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Open(driverName, cfg.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmt, ok := createTable[s.driver]
	if !ok {
		return fmt.Errorf("no schema for driver %q", s.driver)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create authorizations table: %w", err)
	}
	return nil
}

var createTable = map[string]string{
	DriverMySQL: `CREATE TABLE IF NOT EXISTS authorizations (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		transaction_datetime DATETIME(3) NOT NULL,
		authorization_amount DECIMAL(12,2) NOT NULL,
		authorization_expiration DATETIME(3) NULL,
		authorization_token VARCHAR(255) NOT NULL,
		payment_status VARCHAR(32) NOT NULL
	)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS authorizations (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		transaction_datetime TIMESTAMPTZ NOT NULL,
		authorization_amount NUMERIC(12,2) NOT NULL,
		authorization_expiration TIMESTAMPTZ NULL,
		authorization_token VARCHAR(255) NOT NULL,
		payment_status VARCHAR(32) NOT NULL
	)`,
	DriverSQLite: `CREATE TABLE IF NOT EXISTS authorizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		transaction_datetime DATETIME NOT NULL,
		authorization_amount NUMERIC NOT NULL,
		authorization_expiration DATETIME NULL,
		authorization_token TEXT NOT NULL,
		payment_status TEXT NOT NULL
	)`,
}

const insertQuery = `INSERT INTO authorizations
	(order_id, transaction_datetime, authorization_amount, authorization_expiration, authorization_token, payment_status)
	VALUES (?, ?, ?, ?, ?, ?)`

// Insert appends one record and returns it with its id.
func (s *Store) Insert(ctx context.Context, r authorization.Record) (authorization.Record, error) {
	args := []any{
		r.OrderID,
		r.TransactionDatetime,
		r.AuthorizationAmount,
		r.AuthorizationExpiration,
		r.AuthorizationToken,
		r.PaymentStatus,
	}

	if s.driver == DriverPostgres {
		query := s.db.Rebind(insertQuery + " RETURNING id")
		if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&r.ID); err != nil {
			return r, fmt.Errorf("insert authorization: %w", err)
		}
		return r, nil
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(insertQuery), args...)
	if err != nil {
		return r, fmt.Errorf("insert authorization: %w", err)
	}
	id, errID := result.LastInsertId()
	if errID != nil {
		return r, fmt.Errorf("insert authorization: last insert id: %w", errID)
	}
	r.ID = id
	return r, nil
}

const recentQuery = `SELECT id, order_id, transaction_datetime, authorization_amount,
	authorization_expiration, authorization_token, payment_status
	FROM authorizations ORDER BY id DESC LIMIT ?`

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]authorization.Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows := []authorization.Record{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(recentQuery), limit); err != nil {
		return nil, fmt.Errorf("list authorizations: %w", err)
	}
	return rows, nil
}

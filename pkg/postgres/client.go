package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientOption configures the pool.
type ClientOption func(*ClientConfig)

// ClientConfig holds Postgres connection settings.
type ClientConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MinConns int
	MaxConns int
}

func WithHost(host string, port int) ClientOption {
	return func(c *ClientConfig) {
		c.Host = host
		if port > 0 {
			c.Port = port
		}
	}
}

func WithDatabase(name string) ClientOption {
	return func(c *ClientConfig) { c.Database = name }
}

func WithCredentials(user, password string) ClientOption {
	return func(c *ClientConfig) {
		c.User = user
		c.Password = password
	}
}

// WithSSLMode sets sslmode; empty keeps "prefer".
func WithSSLMode(mode string) ClientOption {
	return func(c *ClientConfig) {
		if mode != "" {
			c.SSLMode = mode
		}
	}
}

func WithPoolSize(minConns, maxConns int) ClientOption {
	return func(c *ClientConfig) {
		c.MinConns = minConns
		c.MaxConns = maxConns
	}
}

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, opts ...ClientOption) (*pgxpool.Pool, error) {
	cfg := &ClientConfig{Port: 5432, SSLMode: "prefer", MinConns: 1, MaxConns: 4}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	poolCfg, err := pgxpool.ParseConfig(ConnString(*cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// ConnString builds a postgres URL with the password escaped.
func ConnString(cfg ClientConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
}

// Package tsdb reads the telemetry log store (TimescaleDB/PostgreSQL)
// for baseline and temporal expansion queries.
package tsdb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 10 * time.Second

// Client wraps a pgx pool and renders rows as generic maps, which is what
// the expansion sources consume.
type Client struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool and verifies it with a ping.
func Connect(connStr string) (*Client, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to timeseries store: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timeseries ping failed: %v", err)
	}
	log.Println("[TSDB] connected to telemetry log store")
	return &Client{pool: pool}, nil
}

// Query runs one SQL query and returns every row keyed by column name.
func (c *Client) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeseries query: %v", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Ping verifies pool health.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close gracefully closes the connection pool.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Package graph wraps the Neo4j asset graph behind the small query
// surface the expansion engine needs.
package graph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const queryTimeout = 10 * time.Second

// Client is a thin read-mostly wrapper over the Neo4j driver. One client
// is shared process-wide; sessions are opened per query.
type Client struct {
	driver neo4j.DriverWithContext
}

// NewClient connects to Neo4j with basic auth and verifies connectivity
// before returning.
func NewClient(ctx context.Context, uri, username, password string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	log.Printf("[Graph] connected to Neo4j at %s", uri)
	return &Client{driver: driver}, nil
}

// Query runs a read transaction and flattens every record into a map.
// Node and relationship values collapse to their property maps so callers
// never touch driver types.
func (c *Client) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		for result.Next(ctx) {
			record := result.Record()
			row := make(map[string]any, len(record.Keys))
			for i, key := range record.Keys {
				row[key] = flattenValue(record.Values[i])
			}
			rows = append(rows, row)
		}
		return rows, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph query: %w", err)
	}
	rows, _ := out.([]map[string]any)
	return rows, nil
}

func flattenValue(v any) any {
	switch n := v.(type) {
	case neo4j.Node:
		return n.Props
	case neo4j.Relationship:
		return n.Props
	default:
		return v
	}
}

// Ping verifies the driver can still reach the cluster.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Close releases the driver and its connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

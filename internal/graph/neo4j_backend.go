package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
)

// Neo4jBackend implements Backend with parameterized Cypher
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string // Database name for all queries
	builder  *CypherBuilder
	logger   *slog.Logger
}

// NewNeo4jBackend connects to the configured Neo4j instance
func NewNeo4jBackend(ctx context.Context, cfg config.Neo4jConfig) (*Neo4jBackend, error) {
	if cfg.URI == "" || cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%s, user=%s", cfg.URI, cfg.User)
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 20
			config.ConnectionAcquisitionTimeout = 30 * time.Second
			config.MaxConnectionLifetime = time.Hour
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	// Verify connectivity (fail fast on startup)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, errors.ExternalErrorf(err, "connect to neo4j at %s", cfg.URI)
	}

	logger := slog.Default().With("component", "neo4j")
	logger.Info("neo4j backend connected", "uri", cfg.URI, "database", database)

	return &Neo4jBackend{
		driver:   driver,
		database: database,
		builder:  NewCypherBuilder(),
		logger:   logger,
	}, nil
}

// MergeNodes upserts one batch of nodes
func (n *Neo4jBackend) MergeNodes(ctx context.Context, label string, nodes []GraphNode) error {
	if len(nodes) == 0 {
		return nil
	}
	query, err := n.builder.BuildMergeNodes(label)
	if err != nil {
		return err
	}

	params := make([]map[string]any, len(nodes))
	for i, node := range nodes {
		props := make(map[string]any, len(node.Properties)+1)
		for k, v := range node.Properties {
			props[k] = v
		}
		props["id"] = node.ID
		params[i] = props
	}

	_, err = neo4j.ExecuteQuery(ctx, n.driver, query,
		map[string]any{"nodes": params},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.database))
	if err != nil {
		return fmt.Errorf("merge %d %s nodes: %w", len(nodes), label, err)
	}
	return nil
}

// MergeEdges upserts one batch of relationships
func (n *Neo4jBackend) MergeEdges(ctx context.Context, relType string, edges []GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	query, err := n.builder.BuildMergeEdges(relType)
	if err != nil {
		return err
	}

	params := make([]map[string]any, len(edges))
	for i, edge := range edges {
		params[i] = map[string]any{
			"from":  edge.From,
			"to":    edge.To,
			"props": edge.Properties,
		}
	}

	_, err = neo4j.ExecuteQuery(ctx, n.driver, query,
		map[string]any{"edges": params},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.database))
	if err != nil {
		return fmt.Errorf("merge %d %s edges: %w", len(edges), relType, err)
	}
	return nil
}

// RemoveStale sweeps everything stamped before seq in one write transaction
func (n *Neo4jBackend) RemoveStale(ctx context.Context, seq int64) (int, error) {
	edgeQuery, nodeQuery := n.builder.BuildRemoveStale()
	params := map[string]any{"seq": seq}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	removed, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, edgeQuery, params); err != nil {
			return 0, fmt.Errorf("remove stale relationships: %w", err)
		}
		result, err := tx.Run(ctx, nodeQuery, params)
		if err != nil {
			return 0, fmt.Errorf("remove stale nodes: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return 0, err
		}
		count, _ := record.Get("removed")
		c, _ := count.(int64)
		return int(c), nil
	})
	if err != nil {
		return 0, err
	}
	return removed.(int), nil
}

// Close closes the Neo4j driver connection
func (n *Neo4jBackend) Close(ctx context.Context) error {
	if err := n.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	n.logger.Info("neo4j backend closed")
	return nil
}

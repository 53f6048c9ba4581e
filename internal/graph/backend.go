package graph

import "context"

// Backend defines the graph database operations the mirror needs.
// Nodes are keyed by id under the shared Entity label; every write stamps
// snapshot_seq so stale nodes can be swept after a sync.
type Backend interface {
	// MergeNodes upserts nodes carrying the given kind label
	MergeNodes(ctx context.Context, label string, nodes []GraphNode) error

	// MergeEdges upserts relationships of one type between existing nodes
	MergeEdges(ctx context.Context, relType string, edges []GraphEdge) error

	// RemoveStale deletes nodes and relationships stamped before seq and
	// returns the number of nodes removed
	RemoveStale(ctx context.Context, seq int64) (int, error)

	// Close closes the backend connection
	Close(ctx context.Context) error
}

// GraphNode represents a node in the graph
type GraphNode struct {
	Label      string         // Kind label: "Widget", "Endpoint", etc.
	ID         string         // Entity id
	Properties map[string]any // Node properties
}

// GraphEdge represents an edge in the graph
type GraphEdge struct {
	Label      string         // Relationship type: "USES", "CALLS", etc.
	From       string         // Source entity id
	To         string         // Target entity id
	Properties map[string]any // Edge properties
}

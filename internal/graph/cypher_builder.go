package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// EntityLabel is carried by every mirrored node next to its kind label
const EntityLabel = "Entity"

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CypherBuilder builds UNWIND batch queries. Values always travel as
// parameters; labels and relationship types cannot be parameterized in
// Cypher so they are validated as identifiers instead.
type CypherBuilder struct{}

// NewCypherBuilder creates a query builder
func NewCypherBuilder() *CypherBuilder {
	return &CypherBuilder{}
}

// BuildMergeNodes returns a query that upserts $nodes (maps with an "id"
// key) under the Entity label plus label
func (b *CypherBuilder) BuildMergeNodes(label string) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid node label: %s (must be alphanumeric + underscore)", label)
	}
	return fmt.Sprintf(`
		UNWIND $nodes AS node
		MERGE (n:%s {id: node.id})
		SET n += node, n:%s
		RETURN count(n) AS merged`, EntityLabel, label), nil
}

// BuildMergeEdges returns a query that upserts $edges (maps with "from",
// "to" and "props" keys) as relationships of relType
func (b *CypherBuilder) BuildMergeEdges(relType string) (string, error) {
	if !isValidIdentifier(relType) {
		return "", fmt.Errorf("invalid relationship type: %s", relType)
	}
	return fmt.Sprintf(`
		UNWIND $edges AS edge
		MATCH (a:%[1]s {id: edge.from})
		MATCH (b:%[1]s {id: edge.to})
		MERGE (a)-[r:%[2]s]->(b)
		SET r += edge.props
		RETURN count(r) AS merged`, EntityLabel, relType), nil
}

// BuildRemoveStale returns the queries that sweep relationships and nodes
// stamped before $seq
func (b *CypherBuilder) BuildRemoveStale() (edges, nodes string) {
	edges = fmt.Sprintf(`
		MATCH (:%[1]s)-[r]->(:%[1]s)
		WHERE r.snapshot_seq < $seq
		DELETE r`, EntityLabel)
	nodes = fmt.Sprintf(`
		MATCH (n:%s)
		WHERE n.snapshot_seq < $seq
		WITH n, n.id AS id
		DETACH DELETE n
		RETURN count(id) AS removed`, EntityLabel)
	return edges, nodes
}

// KindLabel converts an entity kind to a node label: state_component
// becomes StateComponent
func KindLabel(kind string) string {
	var sb strings.Builder
	for _, part := range strings.Split(kind, "_") {
		if part == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(part[:1]))
		sb.WriteString(part[1:])
	}
	return sb.String()
}

// RelType converts a relation kind to a relationship type: tested_by
// becomes TESTED_BY
func RelType(kind string) string {
	return strings.ToUpper(kind)
}

// isValidIdentifier validates that a string can be safely used as a Cypher identifier
func isValidIdentifier(s string) bool {
	return s != "" && identifierRe.MatchString(s)
}

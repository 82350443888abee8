package neo4j

import (
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
)

func TestCheckCypher(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		reject string
	}{
		{"read", "MATCH (p:Product)-[:HAS_LABEL]->(l:Label {name: 'en:organic'}) RETURN p.code LIMIT 10", ""},
		{"optional match", "OPTIONAL MATCH (p:Product) WHERE p.nutriscore = 'a' RETURN count(p) LIMIT 1;", ""},
		{"keyword in literal", "MATCH (b:Brand {name: 'Create & Co'}) RETURN b.name LIMIT 5", ""},
		{"missing limit", "MATCH (p:Product) RETURN p.code", "LIMIT clause is required"},
		{"limit too large", "MATCH (p:Product) RETURN p.code LIMIT 500", "exceeds the maximum"},
		{"create", "CREATE (p:Product {code: '1'}) RETURN p LIMIT 1", "only read queries"},
		{"merge inside", "MATCH (p:Product) MERGE (p)-[:X]->(q) RETURN p LIMIT 1", "forbidden clause MERGE"},
		{"detach delete", "MATCH (p) DETACH DELETE p RETURN 1 LIMIT 1", "forbidden clause DETACH"},
		{"dbms call", "CALL dbms.security.listUsers() YIELD username RETURN username LIMIT 1", "only read queries"},
		{"apoc write", "MATCH (p) CALL apoc.create.node(['X'], {}) YIELD node RETURN node LIMIT 1", "forbidden clause"},
		{"two statements", "MATCH (p) RETURN p LIMIT 1; MATCH (q) RETURN q LIMIT 1", "multiple statements"},
		{"empty", " ; ", "empty query"},
		{"limit in line comment", "MATCH (p:Product) RETURN p.code // LIMIT 10", "LIMIT clause is required"},
		{"limit in block comment", "MATCH (p:Product) RETURN p.code /* LIMIT 10 */", "LIMIT clause is required"},
		{"limit only in subquery", "CALL { MATCH (p:Product) RETURN p LIMIT 5 } MATCH (q:Product) RETURN q.code", "only read queries"},
		{"limit only in with", "MATCH (p:Product) WITH p LIMIT 5 MATCH (q:Product) RETURN q.code", "LIMIT clause is required"},
		{"union without limit", "MATCH (p:Product) RETURN p.code AS c LIMIT 5 UNION MATCH (b:Brand) RETURN b.name AS c", "LIMIT clause is required"},
		{"union with limits", "MATCH (p:Product) RETURN p.code AS c LIMIT 5 UNION ALL MATCH (b:Brand) RETURN b.name AS c LIMIT 5", ""},
		{"leading comment", "// grade a\nMATCH (p:Product) WHERE p.nutriscore_grade = 'a' RETURN p.code LIMIT 5", ""},
		{"comment marker in literal", "MATCH (b:Brand {name: 'a // b'}) RETURN b.name LIMIT 5", ""},
		{"escaped quote in literal", `MATCH (b:Brand {name: 'it\'s; LIMIT 5'}) RETURN b.name`, "LIMIT clause is required"},
		{"trailing comment", "MATCH (p:Product) RETURN p.code LIMIT 5 // first five", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := CheckCypher(tt.query, 100)
			if tt.reject == "" {
				assert.Empty(t, reason)
				return
			}
			assert.Contains(t, reason, tt.reject)
		})
	}
}

func TestStripCypher(t *testing.T) {
	assert.Equal(t, "MATCH (b {name: ''})   RETURN b  ", stripCypher("MATCH (b {name: 'x'}) /* c */ RETURN b // d"))
	assert.Equal(t, "MATCH (``) RETURN 1", stripCypher("MATCH (`we``ird`) RETURN 1"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "1", stringify(int64(1)))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
	assert.Equal(t, `{"labels":["Product"],"props":{"code":"001"}}`,
		stringify(neo4j.Node{Labels: []string{"Product"}, Props: map[string]any{"code": "001"}}))
}

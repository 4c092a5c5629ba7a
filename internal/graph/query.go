package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Query is a composable, side-effect-free graph query. Builder methods
// return the receiver for chaining; terminal methods (Nodes, Edges,
// Count) execute against the store.
//
//	q := store.Query().From(id).EdgeType(EdgeJudged).Depth(2).
//		Where("score", ">", 0.5).SortBy("identifier", "asc").Limit(10)
//	nodes := q.Nodes()
type Query struct {
	store     *Store
	fromIDs   []string
	nodeType  NodeType
	edgeTypes []EdgeType
	filters   []filter
	depth     int
	direction Direction
	limit     int
	sortField string
	sortDesc  bool
}

type filter struct {
	field string
	op    string
	value interface{}
}

// Query starts a new query against the store.
func (s *Store) Query() *Query {
	return &Query{store: s, depth: 1, direction: DirBoth}
}

// From seeds the traversal at the given node ids. Without a seed the
// query scans all nodes.
func (q *Query) From(ids ...string) *Query {
	q.fromIDs = append(q.fromIDs, ids...)
	return q
}

// NodeType restricts results to nodes of the given type.
func (q *Query) NodeType(t NodeType) *Query {
	q.nodeType = t
	return q
}

// EdgeType restricts traversal and edge results to the given types.
func (q *Query) EdgeType(t ...EdgeType) *Query {
	q.edgeTypes = append(q.edgeTypes, t...)
	return q
}

// Where filters on a node attribute ("id", "identifier", and "type"
// address the node fields themselves). Supported ops: =, !=, <, <=, >,
// >=, contains, startsWith, in.
func (q *Query) Where(field, op string, value interface{}) *Query {
	q.filters = append(q.filters, filter{field: field, op: op, value: value})
	return q
}

// Depth bounds seeded traversals (default 1).
func (q *Query) Depth(d int) *Query {
	q.depth = d
	return q
}

// Direction sets the traversal direction (default both).
func (q *Query) Direction(d Direction) *Query {
	q.direction = d
	return q
}

// Limit caps the result count (0 = unlimited).
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// SortBy orders results on a field; order is "asc" or "desc".
func (q *Query) SortBy(field, order string) *Query {
	q.sortField = field
	q.sortDesc = strings.EqualFold(order, "desc")
	return q
}

// Nodes executes the query and returns matching nodes.
func (q *Query) Nodes() []*Node {
	candidates := q.candidates()

	out := make([]*Node, 0, len(candidates))
	for _, n := range candidates {
		if q.nodeType != "" && n.Type != q.nodeType {
			continue
		}
		if !q.matchesAll(n) {
			continue
		}
		out = append(out, n)
	}

	q.sortNodes(out)
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

// Edges executes the query and returns the edges touching matching
// seed nodes (or all edges of the selected types without a seed).
func (q *Query) Edges() []*Edge {
	var out []*Edge
	seen := make(map[string]struct{})
	add := func(e *Edge) {
		if _, dup := seen[e.ID]; dup {
			return
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}

	if len(q.fromIDs) == 0 {
		q.store.mu.RLock()
		all := make([]*Edge, 0, len(q.store.edges))
		for _, e := range q.store.edges {
			all = append(all, copyEdge(e))
		}
		q.store.mu.RUnlock()
		for _, e := range all {
			if len(q.edgeTypes) > 0 && !edgeTypeIn(q.edgeTypes, e.Type) {
				continue
			}
			add(e)
		}
	} else {
		for _, id := range q.fromIDs {
			for _, e := range q.store.Edges(id, q.direction, q.edgeTypes...) {
				add(e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

// Count executes the query and returns the number of matching nodes.
func (q *Query) Count() int {
	saved := q.limit
	q.limit = 0
	n := len(q.Nodes())
	q.limit = saved
	return n
}

// candidates gathers the node pool: a bounded traversal from the seeds,
// or the whole store when unseeded.
func (q *Query) candidates() []*Node {
	if len(q.fromIDs) == 0 {
		q.store.mu.RLock()
		out := make([]*Node, 0, len(q.store.nodes))
		for _, n := range q.store.nodes {
			out = append(out, copyNode(n))
		}
		q.store.mu.RUnlock()
		return out
	}

	seen := make(map[string]struct{})
	var out []*Node
	for _, id := range q.fromIDs {
		w := q.store.BFS(id, WalkOptions{MaxDepth: q.depth, Direction: q.direction, EdgeTypes: q.edgeTypes})
		for v := w.Next(); v != nil; v = w.Next() {
			if _, dup := seen[v.Node.ID]; dup {
				continue
			}
			seen[v.Node.ID] = struct{}{}
			out = append(out, v.Node)
		}
	}
	return out
}

func (q *Query) matchesAll(n *Node) bool {
	for _, f := range q.filters {
		if !matches(n, f) {
			return false
		}
	}
	return true
}

func matches(n *Node, f filter) bool {
	var actual interface{}
	switch f.field {
	case "id":
		actual = n.ID
	case "identifier":
		actual = n.Identifier
	case "type":
		actual = string(n.Type)
	default:
		var ok bool
		actual, ok = n.Attributes[f.field]
		if !ok {
			return f.op == "!="
		}
	}

	switch f.op {
	case "=":
		return equalValue(actual, f.value)
	case "!=":
		return !equalValue(actual, f.value)
	case "<", "<=", ">", ">=":
		a, aok := toFloat(actual)
		b, bok := toFloat(f.value)
		if !aok || !bok {
			return false
		}
		switch f.op {
		case "<":
			return a < b
		case "<=":
			return a <= b
		case ">":
			return a > b
		default:
			return a >= b
		}
	case "contains":
		return strings.Contains(toString(actual), toString(f.value))
	case "startsWith":
		return strings.HasPrefix(toString(actual), toString(f.value))
	case "in":
		switch vs := f.value.(type) {
		case []string:
			for _, v := range vs {
				if equalValue(actual, v) {
					return true
				}
			}
		case []interface{}:
			for _, v := range vs {
				if equalValue(actual, v) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func equalValue(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (q *Query) sortNodes(nodes []*Node) {
	field := q.sortField
	if field == "" {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key() < nodes[j].Key() })
		return
	}
	less := func(i, j int) bool {
		a := fieldValue(nodes[i], field)
		b := fieldValue(nodes[j], field)
		if af, aok := toFloat(a); aok {
			if bf, bok := toFloat(b); bok {
				return af < bf
			}
		}
		return toString(a) < toString(b)
	}
	if q.sortDesc {
		sort.Slice(nodes, func(i, j int) bool { return less(j, i) })
	} else {
		sort.Slice(nodes, less)
	}
}

func fieldValue(n *Node, field string) interface{} {
	switch field {
	case "id":
		return n.ID
	case "identifier":
		return n.Identifier
	case "type":
		return string(n.Type)
	default:
		return n.Attributes[field]
	}
}

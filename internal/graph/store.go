package graph

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the exclusive owner of graph nodes and edges. All indices
// are maintained in lockstep with writes under a single mutex; readers
// receive copies, never live pointers into the store.
type Store struct {
	mu sync.RWMutex

	nodes map[string]*Node // id → node
	edges map[string]*Edge // id → edge

	nodeKeys map[string]string // type:identifier → node id
	edgeKeys map[string]string // type:source:target → edge id

	byType map[NodeType]map[string]struct{} // type → node-id set

	out map[string][]string // node id → out-edge ids
	in  map[string][]string // node id → in-edge ids

	// version increments on every committed mutation so composite
	// traversals can detect concurrent change and retry.
	version uint64
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		nodeKeys: make(map[string]string),
		edgeKeys: make(map[string]string),
		byType:   make(map[NodeType]map[string]struct{}),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
	}
}

// AddNode validates and upserts a node on its canonical key. An upsert
// merges attributes; UpdatedAt moves only when attributes changed.
// Returns the stored copy.
func (s *Store) AddNode(n Node) (*Node, error) {
	if err := validateNode(&n); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existingID, ok := s.nodeKeys[n.Key()]; ok {
		existing := s.nodes[existingID]
		if mergeAttrs(&existing.Attributes, n.Attributes) {
			existing.UpdatedAt = now
			s.version++
		}
		return copyNode(existing), nil
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	stored := copyNode(&n)

	s.nodes[stored.ID] = stored
	s.nodeKeys[stored.Key()] = stored.ID
	bucket, ok := s.byType[stored.Type]
	if !ok {
		bucket = make(map[string]struct{})
		s.byType[stored.Type] = bucket
	}
	bucket[stored.ID] = struct{}{}
	s.version++

	return copyNode(stored), nil
}

// AddEdge validates endpoint types against the edge spec and upserts on
// the canonical key. Upserts merge attributes and replace the weight.
// A zero weight takes the spec default.
func (s *Store) AddEdge(e Edge) (*Edge, error) {
	spec, ok := Spec(e.Type)
	if !ok {
		return nil, &ValidationError{Entity: "edge", Key: e.Key(), Reason: "unknown edge type"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.nodes[e.SourceID]
	if !ok {
		return nil, &ValidationError{Entity: "edge", Key: e.Key(), Reason: "source node not found"}
	}
	dst, ok := s.nodes[e.TargetID]
	if !ok {
		return nil, &ValidationError{Entity: "edge", Key: e.Key(), Reason: "target node not found"}
	}
	if !spec.fromAllows(src.Type) {
		return nil, &ValidationError{Entity: "edge", Key: e.Key(),
			Reason: "illegal source type " + string(src.Type) + " for edge " + string(e.Type)}
	}
	if !spec.toAllows(dst.Type) {
		return nil, &ValidationError{Entity: "edge", Key: e.Key(),
			Reason: "illegal target type " + string(dst.Type) + " for edge " + string(e.Type)}
	}

	if e.Weight <= 0 {
		e.Weight = spec.DefaultWeight
	}

	if existingID, ok := s.edgeKeys[e.Key()]; ok {
		existing := s.edges[existingID]
		changed := mergeAttrs(&existing.Attributes, e.Attributes)
		if existing.Weight != e.Weight {
			existing.Weight = e.Weight
			changed = true
		}
		if changed {
			s.version++
		}
		return copyEdge(existing), nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()
	stored := copyEdge(&e)

	s.edges[stored.ID] = stored
	s.edgeKeys[stored.Key()] = stored.ID
	s.out[stored.SourceID] = append(s.out[stored.SourceID], stored.ID)
	s.in[stored.TargetID] = append(s.in[stored.TargetID], stored.ID)
	s.version++

	return copyEdge(stored), nil
}

// GetNode returns a copy of the node, or nil when absent.
func (s *Store) GetNode(id string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyNode(s.nodes[id])
}

// GetNodeByKey looks a node up by its canonical key.
func (s *Store) GetNodeByKey(t NodeType, identifier string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nodeKeys[NodeKey(t, identifier)]
	if !ok {
		return nil
	}
	return copyNode(s.nodes[id])
}

// GetNodesByType returns copies of every node of the given type.
func (s *Store) GetNodesByType(t NodeType) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.byType[t]))
	for id := range s.byType[t] {
		out = append(out, copyNode(s.nodes[id]))
	}
	return out
}

// GetEdge returns a copy of the edge, or nil when absent.
func (s *Store) GetEdge(id string) *Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEdge(s.edges[id])
}

// OutEdges returns edges leaving the node, optionally filtered by type.
func (s *Store) OutEdges(nodeID string, types ...EdgeType) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEdges(s.out[nodeID], types)
}

// InEdges returns edges entering the node, optionally filtered by type.
func (s *Store) InEdges(nodeID string, types ...EdgeType) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEdges(s.in[nodeID], types)
}

// Edges returns all edges touching the node in the given direction.
func (s *Store) Edges(nodeID string, dir Direction, types ...EdgeType) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch dir {
	case DirOut:
		return s.collectEdges(s.out[nodeID], types)
	case DirIn:
		return s.collectEdges(s.in[nodeID], types)
	default:
		out := s.collectEdges(s.out[nodeID], types)
		return append(out, s.collectEdges(s.in[nodeID], types)...)
	}
}

// Neighbors returns the adjacent nodes in the given direction.
func (s *Store) Neighbors(nodeID string, dir Direction, types ...EdgeType) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Node
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if n := s.nodes[id]; n != nil {
			out = append(out, copyNode(n))
		}
	}

	if dir == DirOut || dir == DirBoth {
		for _, e := range s.collectEdges(s.out[nodeID], types) {
			add(e.TargetID)
		}
	}
	if dir == DirIn || dir == DirBoth {
		for _, e := range s.collectEdges(s.in[nodeID], types) {
			add(e.SourceID)
		}
	}
	return out
}

// Degree counts edges touching the node in the given direction.
func (s *Store) Degree(nodeID string, dir Direction) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch dir {
	case DirOut:
		return len(s.out[nodeID])
	case DirIn:
		return len(s.in[nodeID])
	default:
		return len(s.out[nodeID]) + len(s.in[nodeID])
	}
}

// Stats returns a summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Nodes:       len(s.nodes),
		Edges:       len(s.edges),
		NodesByType: make(map[NodeType]int, len(s.byType)),
		EdgesByType: make(map[EdgeType]int),
		Version:     s.version,
	}
	for t, bucket := range s.byType {
		st.NodesByType[t] = len(bucket)
	}
	for _, e := range s.edges {
		st.EdgesByType[e.Type]++
	}
	return st
}

// Version returns the mutation counter. Composite traversals snapshot
// it before reading and retry when it moved underneath them.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// collectEdges copies the referenced edges, filtered by type.
// Callers must hold at least the read lock.
func (s *Store) collectEdges(ids []string, types []EdgeType) []*Edge {
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		e := s.edges[id]
		if e == nil {
			continue
		}
		if len(types) > 0 && !edgeTypeIn(types, e.Type) {
			continue
		}
		out = append(out, copyEdge(e))
	}
	return out
}

func edgeTypeIn(set []EdgeType, t EdgeType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// mergeAttrs merges src into *dst, reporting whether anything changed.
func mergeAttrs(dst *map[string]interface{}, src map[string]interface{}) bool {
	if len(src) == 0 {
		return false
	}
	if *dst == nil {
		*dst = make(map[string]interface{}, len(src))
	}
	changed := false
	for k, v := range src {
		if prev, ok := (*dst)[k]; !ok || !reflect.DeepEqual(prev, v) {
			(*dst)[k] = v
			changed = true
		}
	}
	return changed
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Attributes != nil {
		c.Attributes = make(map[string]interface{}, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	c := *e
	if e.Attributes != nil {
		c.Attributes = make(map[string]interface{}, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

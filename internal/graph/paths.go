package graph

import (
	"container/heap"
	"sort"
)

// Path is an ordered node sequence with the edges that join it.
type Path struct {
	NodeIDs []string `json:"node_ids"`
	Edges   []*Edge  `json:"edges,omitempty"`
	// Weight is the product of edge weights along the path; Distance
	// is the Dijkstra cost (sum of 1/weight). Zero for hop-count paths.
	Weight   float64 `json:"weight,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// ShortestPath finds the fewest-hop path from source to target,
// breaking ties in favour of the earliest-discovered path. Returns nil
// when no path exists.
func (s *Store) ShortestPath(source, target string, opts WalkOptions) *Path {
	if s.GetNode(source) == nil || s.GetNode(target) == nil {
		return nil
	}
	if source == target {
		return &Path{NodeIDs: []string{source}}
	}

	prev := make(map[string]*Edge) // node → edge it was discovered through
	w := s.BFS(source, opts)
	for v := w.Next(); v != nil; v = w.Next() {
		if v.Via != nil {
			prev[v.Node.ID] = v.Via
		}
		if v.Node.ID == target {
			return s.rebuild(source, target, prev)
		}
	}
	return nil
}

func (s *Store) rebuild(source, target string, prev map[string]*Edge) *Path {
	var ids []string
	var edges []*Edge
	cur := target
	for cur != source {
		e := prev[cur]
		if e == nil {
			return nil
		}
		ids = append(ids, cur)
		edges = append(edges, e)
		if e.TargetID == cur {
			cur = e.SourceID
		} else {
			cur = e.TargetID
		}
	}
	ids = append(ids, source)
	reverseStrings(ids)
	reverseEdges(edges)
	return &Path{NodeIDs: ids, Edges: edges}
}

// pqItem is a Dijkstra frontier entry.
type pqItem struct {
	id   string
	dist float64
	idx  int
}

type priorityQueue []*pqItem

func (q priorityQueue) Len() int            { return len(q) }
func (q priorityQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].idx = i; q[j].idx = j }
func (q *priorityQueue) Push(x interface{}) { item := x.(*pqItem); item.idx = len(*q); *q = append(*q, item) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// WeightedPath runs Dijkstra with edge cost 1/weight, so heavier edges
// are preferred. The returned Weight is the product of edge weights.
func (s *Store) WeightedPath(source, target string, opts WalkOptions) *Path {
	if s.GetNode(source) == nil || s.GetNode(target) == nil {
		return nil
	}

	dist := map[string]float64{source: 0}
	prev := make(map[string]*Edge)
	done := make(map[string]struct{})

	pq := &priorityQueue{{id: source, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*pqItem)
		if _, ok := done[cur.id]; ok {
			continue
		}
		done[cur.id] = struct{}{}
		if cur.id == target {
			break
		}

		for _, e := range s.Edges(cur.id, opts.Direction, opts.EdgeTypes...) {
			if e.Weight <= 0 {
				continue
			}
			other := e.TargetID
			if other == cur.id {
				other = e.SourceID
			}
			alt := cur.dist + 1/e.Weight
			if best, seen := dist[other]; !seen || alt < best {
				dist[other] = alt
				prev[other] = e
				heap.Push(pq, &pqItem{id: other, dist: alt})
			}
		}
	}

	if _, reached := done[target]; !reached && source != target {
		return nil
	}

	p := s.rebuild(source, target, prev)
	if p == nil {
		return nil
	}
	p.Distance = dist[target]
	p.Weight = 1
	for _, e := range p.Edges {
		p.Weight *= e.Weight
	}
	return p
}

// AllPaths enumerates every simple path from source to target up to
// maxDepth edges, visiting neighbours in lexicographic order so the
// enumeration is deterministic.
func (s *Store) AllPaths(source, target string, maxDepth int, opts WalkOptions) []*Path {
	if s.GetNode(source) == nil || s.GetNode(target) == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}

	var paths []*Path
	onPath := map[string]struct{}{source: {}}
	var edges []*Edge
	ids := []string{source}

	var walk func(cur string)
	walk = func(cur string) {
		if cur == target {
			p := &Path{NodeIDs: append([]string(nil), ids...), Edges: append([]*Edge(nil), edges...), Weight: 1}
			for _, e := range p.Edges {
				p.Weight *= e.Weight
			}
			paths = append(paths, p)
			return
		}
		if len(edges) >= maxDepth {
			return
		}
		next := s.Edges(cur, opts.Direction, opts.EdgeTypes...)
		sort.Slice(next, func(i, j int) bool { return next[i].Key() < next[j].Key() })
		for _, e := range next {
			other := e.TargetID
			if other == cur {
				other = e.SourceID
			}
			if _, visiting := onPath[other]; visiting {
				continue
			}
			onPath[other] = struct{}{}
			ids = append(ids, other)
			edges = append(edges, e)
			walk(other)
			delete(onPath, other)
			ids = ids[:len(ids)-1]
			edges = edges[:len(edges)-1]
		}
	}
	walk(source)
	return paths
}

// Subgraph extracts the BFS ball of the given radius around center:
// the reached node set plus every edge whose endpoints both fall in it.
func (s *Store) Subgraph(center string, radius int) ([]*Node, []*Edge) {
	w := s.BFS(center, WalkOptions{MaxDepth: radius, Direction: DirBoth})

	inSet := make(map[string]struct{})
	var nodes []*Node
	for v := w.Next(); v != nil; v = w.Next() {
		inSet[v.Node.ID] = struct{}{}
		nodes = append(nodes, v.Node)
	}

	seen := make(map[string]struct{})
	var edges []*Edge
	for id := range inSet {
		for _, e := range s.OutEdges(id) {
			if _, ok := inSet[e.TargetID]; !ok {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			edges = append(edges, e)
		}
	}
	return nodes, edges
}

// Triangles returns neighbours of the node that are mutually connected
// to each other, direction ignored. Each triangle is the pair of
// neighbour ids completing it with the given node.
func (s *Store) Triangles(nodeID string) [][2]string {
	neighbors := s.Neighbors(nodeID, DirBoth)
	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if n.ID != nodeID {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)

	var out [][2]string
	for i := 0; i < len(ids); i++ {
		adjacent := make(map[string]struct{})
		for _, n := range s.Neighbors(ids[i], DirBoth) {
			adjacent[n.ID] = struct{}{}
		}
		for j := i + 1; j < len(ids); j++ {
			if _, ok := adjacent[ids[j]]; ok {
				out = append(out, [2]string{ids[i], ids[j]})
			}
		}
	}
	return out
}

// Components returns the undirected connected components, largest
// first. Ties are broken by the smallest member id for stability.
func (s *Store) Components() [][]string {
	s.mu.RLock()
	allIDs := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		allIDs = append(allIDs, id)
	}
	s.mu.RUnlock()
	sort.Strings(allIDs)

	seen := make(map[string]struct{})
	var components [][]string
	for _, start := range allIDs {
		if _, ok := seen[start]; ok {
			continue
		}
		var comp []string
		stack := []string{start}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := seen[cur]; ok {
				continue
			}
			seen[cur] = struct{}{}
			comp = append(comp, cur)
			for _, n := range s.Neighbors(cur, DirBoth) {
				if _, ok := seen[n.ID]; !ok {
					stack = append(stack, n.ID)
				}
			}
		}
		sort.Strings(comp)
		components = append(components, comp)
	}

	sort.Slice(components, func(i, j int) bool {
		if len(components[i]) != len(components[j]) {
			return len(components[i]) > len(components[j])
		}
		return components[i][0] < components[j][0]
	})
	return components
}

// CentralityScore pairs a node with its degree centrality.
type CentralityScore struct {
	NodeID string  `json:"node_id"`
	Score  float64 `json:"score"`
}

// Centrality computes degree centrality (in+out)/(N−1) for every node,
// sorted descending.
func (s *Store) Centrality() []CentralityScore {
	s.mu.RLock()
	n := len(s.nodes)
	scores := make([]CentralityScore, 0, n)
	for id := range s.nodes {
		degree := len(s.out[id]) + len(s.in[id])
		score := 0.0
		if n > 1 {
			score = float64(degree) / float64(n-1)
		}
		scores = append(scores, CentralityScore{NodeID: id, Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].NodeID < scores[j].NodeID
	})
	return scores
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseEdges(s []*Edge) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

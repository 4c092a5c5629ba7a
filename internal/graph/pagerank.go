package graph

// PageRank runs power iteration with damping φ⁻¹. Each source spreads
// rank(source)/out-degree(source) × edge.weight to its targets, scaled
// so every source's outgoing mass sums to rank(source); dangling nodes
// redistribute uniformly. The result sums to 1 within floating-point
// tolerance and is stable for a fixed graph.
func (s *Store) PageRank(iterations int) map[string]float64 {
	if iterations <= 0 {
		iterations = 20
	}
	const damping = 1 / Phi // φ⁻¹ ≈ 0.618

	s.mu.RLock()
	n := len(s.nodes)
	if n == 0 {
		s.mu.RUnlock()
		return map[string]float64{}
	}

	// Precompute per-source weighted out-edges and total out-weight.
	type outEdge struct {
		target string
		weight float64
	}
	outs := make(map[string][]outEdge, n)
	outSum := make(map[string]float64, n)
	ids := make([]string, 0, n)
	for id := range s.nodes {
		ids = append(ids, id)
	}
	for id := range s.nodes {
		for _, eid := range s.out[id] {
			e := s.edges[eid]
			if e == nil || e.Weight <= 0 {
				continue
			}
			outs[id] = append(outs[id], outEdge{target: e.TargetID, weight: e.Weight})
			outSum[id] += e.Weight
		}
	}
	s.mu.RUnlock()

	rank := make(map[string]float64, n)
	for _, id := range ids {
		rank[id] = 1 / float64(n)
	}

	for iter := 0; iter < iterations; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0

		for _, id := range ids {
			r := rank[id]
			total := outSum[id]
			if total <= 0 {
				dangling += r
				continue
			}
			for _, oe := range outs[id] {
				next[oe.target] += r * oe.weight / total
			}
		}

		// Dangling mass and the (1−d) teleport share spread uniformly.
		base := (1-damping)/float64(n) + damping*dangling/float64(n)
		for _, id := range ids {
			rank[id] = base + damping*next[id]
		}
	}

	return rank
}

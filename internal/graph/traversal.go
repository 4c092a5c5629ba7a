package graph

import "sort"

// Visit is one step of a lazy traversal: the node reached, its depth
// from the start, and the edge it arrived through (nil at the start).
type Visit struct {
	Node  *Node
	Depth int
	Via   *Edge
}

// WalkOptions bound a traversal.
type WalkOptions struct {
	MaxDepth  int // 0 = unbounded
	Direction Direction
	EdgeTypes []EdgeType
}

// Walker produces visits one at a time; consumers pull with Next and
// may stop early at no cost. Each BFS/DFS call builds a fresh walker,
// so traversals are restartable.
type Walker struct {
	store   *Store
	opts    WalkOptions
	frontier []walkEntry
	seen    map[string]struct{}
	bfs     bool
}

type walkEntry struct {
	id    string
	depth int
	via   *Edge
}

// BFS returns a breadth-first walker from start. Depths are
// non-decreasing across successive visits.
func (s *Store) BFS(start string, opts WalkOptions) *Walker {
	return s.newWalker(start, opts, true)
}

// DFS returns a depth-first walker from start.
func (s *Store) DFS(start string, opts WalkOptions) *Walker {
	return s.newWalker(start, opts, false)
}

func (s *Store) newWalker(start string, opts WalkOptions, bfs bool) *Walker {
	w := &Walker{
		store: s,
		opts:  opts,
		seen:  make(map[string]struct{}),
		bfs:   bfs,
	}
	if s.GetNode(start) != nil {
		w.frontier = []walkEntry{{id: start, depth: 0}}
	}
	return w
}

// Next returns the next visit, or nil when the traversal is exhausted.
func (w *Walker) Next() *Visit {
	for len(w.frontier) > 0 {
		var entry walkEntry
		if w.bfs {
			entry = w.frontier[0]
			w.frontier = w.frontier[1:]
		} else {
			entry = w.frontier[len(w.frontier)-1]
			w.frontier = w.frontier[:len(w.frontier)-1]
		}

		if _, dup := w.seen[entry.id]; dup {
			continue
		}
		w.seen[entry.id] = struct{}{}

		node := w.store.GetNode(entry.id)
		if node == nil {
			continue
		}

		if w.opts.MaxDepth == 0 || entry.depth < w.opts.MaxDepth {
			w.expand(entry)
		}
		return &Visit{Node: node, Depth: entry.depth, Via: entry.via}
	}
	return nil
}

// Collect drains the walker, up to limit visits (0 = all).
func (w *Walker) Collect(limit int) []*Visit {
	var out []*Visit
	for v := w.Next(); v != nil; v = w.Next() {
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (w *Walker) expand(entry walkEntry) {
	edges := w.store.Edges(entry.id, w.opts.Direction, w.opts.EdgeTypes...)
	// Deterministic expansion order keeps traversals reproducible.
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })

	next := make([]walkEntry, 0, len(edges))
	for _, e := range edges {
		other := e.TargetID
		if other == entry.id {
			other = e.SourceID
		}
		if _, dup := w.seen[other]; dup {
			continue
		}
		next = append(next, walkEntry{id: other, depth: entry.depth + 1, via: e})
	}

	if w.bfs {
		w.frontier = append(w.frontier, next...)
		return
	}
	// DFS pops from the tail: push reversed so lexicographically
	// earliest neighbours are explored first.
	for i := len(next) - 1; i >= 0; i-- {
		w.frontier = append(w.frontier, next[i])
	}
}

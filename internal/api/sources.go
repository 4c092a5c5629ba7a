package api

import "context"

// RegisterSources wires the standard snapshot sources into the
// collector: chain status, graph stats, sessions, circuit states,
// trace summary, skill invocation counters, and learning counters.
// The collector adds the system source itself.
func (s *Server) RegisterSources() {
	s.Collector.Register("chain", func(ctx context.Context) (map[string]interface{}, error) {
		st := s.Chain.Status()
		return map[string]interface{}{
			"head_slot": st.HeadSlot,
			"blocks":    st.Blocks,
			"pending":   st.Pending,
			"read_only": st.ReadOnly,
		}, nil
	})
	s.Collector.Register("graph", func(ctx context.Context) (map[string]interface{}, error) {
		st := s.Graph.Stats()
		return map[string]interface{}{"nodes": st.Nodes, "edges": st.Edges}, nil
	})
	s.Collector.Register("sessions", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"active": s.Sessions.Len()}, nil
	})
	s.Collector.Register("circuits", func(ctx context.Context) (map[string]interface{}, error) {
		out := make(map[string]interface{})
		for name, snap := range s.Registry.Breakers().Snapshots() {
			out[name] = snap
		}
		return out, nil
	})
	s.Collector.Register("trace", func(ctx context.Context) (map[string]interface{}, error) {
		sum := s.Tracer.Summarize()
		return map[string]interface{}{
			"total":        sum.Total,
			"by_outcome":   sum.ByOutcome,
			"by_domain":    sum.ByDomain,
			"avg_steps_ms": sum.AvgStepsMs,
		}, nil
	})
	s.Collector.Register("skills", func(ctx context.Context) (map[string]interface{}, error) {
		out := make(map[string]interface{})
		for dog, n := range s.Registry.Counts() {
			out[dog] = n
		}
		return out, nil
	})
	s.Collector.Register("learning", func(ctx context.Context) (map[string]interface{}, error) {
		st := s.Learner.Snapshot()
		return map[string]interface{}{
			"episodes": st.Episodes,
			"entries":  st.Entries,
			"avg_q":    st.AvgQ,
			"brier":    st.Brier,
		}, nil
	})
}

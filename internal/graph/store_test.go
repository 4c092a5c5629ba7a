package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, s *Store, nt NodeType, identifier string, attrs map[string]interface{}) *Node {
	t.Helper()
	n, err := s.AddNode(Node{Type: nt, Identifier: identifier, Attributes: attrs})
	require.NoError(t, err)
	return n
}

func TestAddNodeUpsertsOnCanonicalKey(t *testing.T) {
	s := NewStore()

	first := mustNode(t, s, NodeUser, "alice", nil)
	second := mustNode(t, s, NodeUser, "alice", nil)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Stats().Nodes)

	// Identical upsert leaves UpdatedAt alone.
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	// Attribute change moves UpdatedAt and bumps the version.
	v := s.Version()
	third, err := s.AddNode(Node{Type: NodeUser, Identifier: "alice", Attributes: map[string]interface{}{"team": "core"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.True(t, third.UpdatedAt.After(first.UpdatedAt) || third.UpdatedAt.Equal(first.UpdatedAt))
	assert.Equal(t, "core", third.Attributes["team"])
	assert.Greater(t, s.Version(), v)
}

func TestAddNodeSchemaValidation(t *testing.T) {
	s := NewStore()

	_, err := s.AddNode(Node{Type: NodeToken, Identifier: "phi"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Missing, "symbol")

	_, err = s.AddNode(Node{Type: NodeType("ghost"), Identifier: "x"})
	require.Error(t, err)

	_, err = s.AddNode(Node{Type: NodeToken, Identifier: "phi", Attributes: map[string]interface{}{"symbol": "PHI"}})
	require.NoError(t, err)
}

func TestAddEdgeEndpointValidationAndDefaults(t *testing.T) {
	s := NewStore()
	wallet := mustNode(t, s, NodeWallet, "w1", map[string]interface{}{"address": "0xabc"})
	token := mustNode(t, s, NodeToken, "phi", map[string]interface{}{"symbol": "PHI"})
	user := mustNode(t, s, NodeUser, "alice", nil)

	e, err := s.AddEdge(Edge{Type: EdgeHolds, SourceID: wallet.ID, TargetID: token.ID})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, e.Weight, 1e-9) // φ^0 default

	// user cannot "hold" a token; only wallets can.
	_, err = s.AddEdge(Edge{Type: EdgeHolds, SourceID: user.ID, TargetID: token.ID})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "illegal source type")

	owns, err := s.AddEdge(Edge{Type: EdgeOwns, SourceID: user.ID, TargetID: wallet.ID})
	require.NoError(t, err)
	assert.InDelta(t, Phi*Phi, owns.Weight, 1e-9) // φ^2 default
}

func TestAddEdgeUpsertMergesAndReplacesWeight(t *testing.T) {
	s := NewStore()
	wallet := mustNode(t, s, NodeWallet, "w1", map[string]interface{}{"address": "0xabc"})
	token := mustNode(t, s, NodeToken, "phi", map[string]interface{}{"symbol": "PHI"})

	first, err := s.AddEdge(Edge{Type: EdgeHolds, SourceID: wallet.ID, TargetID: token.ID, Weight: 2})
	require.NoError(t, err)

	second, err := s.AddEdge(Edge{
		Type: EdgeHolds, SourceID: wallet.ID, TargetID: token.ID,
		Weight: 5, Attributes: map[string]interface{}{"since": "2026"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5.0, second.Weight)
	assert.Equal(t, "2026", second.Attributes["since"])
	assert.Equal(t, 1, s.Stats().Edges)
}

func TestReadsOfAbsentIDsReturnNil(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.GetNode("missing"))
	assert.Nil(t, s.GetEdge("missing"))
	assert.Nil(t, s.GetNodeByKey(NodeUser, "ghost"))
	assert.Empty(t, s.Neighbors("missing", DirBoth))
	assert.Zero(t, s.Degree("missing", DirBoth))
}

func TestNeighborsAndDegree(t *testing.T) {
	s := NewStore()
	u := mustNode(t, s, NodeUser, "alice", nil)
	p := mustNode(t, s, NodeProject, "atlas", nil)
	r := mustNode(t, s, NodeRepo, "atlas-core", nil)

	_, err := s.AddEdge(Edge{Type: EdgeMemberOf, SourceID: u.ID, TargetID: p.ID})
	require.NoError(t, err)
	_, err = s.AddEdge(Edge{Type: EdgeCreated, SourceID: u.ID, TargetID: r.ID})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Degree(u.ID, DirOut))
	assert.Equal(t, 0, s.Degree(u.ID, DirIn))
	assert.Equal(t, 1, s.Degree(p.ID, DirIn))

	out := s.Neighbors(u.ID, DirOut)
	assert.Len(t, out, 2)

	filtered := s.Neighbors(u.ID, DirOut, EdgeMemberOf)
	require.Len(t, filtered, 1)
	assert.Equal(t, p.ID, filtered[0].ID)

	in := s.Neighbors(p.ID, DirIn)
	require.Len(t, in, 1)
	assert.Equal(t, u.ID, in[0].ID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	n := mustNode(t, s, NodeUser, "alice", map[string]interface{}{"team": "core"})

	n.Attributes["team"] = "tampered"
	fresh := s.GetNode(n.ID)
	assert.Equal(t, "core", fresh.Attributes["team"])
}

func TestNodeEdgeJSONRoundTrip(t *testing.T) {
	s := NewStore()
	n := mustNode(t, s, NodeDog, "guardian", map[string]interface{}{"domain": "protection"})

	raw, err := json.Marshal(n)
	require.NoError(t, err)
	var back Node
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, n.ID, back.ID)
	assert.Equal(t, n.Type, back.Type)
	assert.Equal(t, n.Identifier, back.Identifier)
	assert.Equal(t, "protection", back.Attributes["domain"])
}

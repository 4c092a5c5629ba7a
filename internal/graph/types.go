// Package graph implements the relationship overlay of the judgment
// node: a typed-node / typed-edge store with φ-weighted edges, lazy
// traversal, a composable query builder, and PageRank-based influence.
package graph

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeType enumerates the entity kinds the node judges.
type NodeType string

const (
	NodeToken    NodeType = "token"
	NodeWallet   NodeType = "wallet"
	NodeProject  NodeType = "project"
	NodeRepo     NodeType = "repo"
	NodeUser     NodeType = "user"
	NodeContract NodeType = "contract"
	NodeNode     NodeType = "node" // a judgment node itself
	NodeDog      NodeType = "dog"  // a skill handler
	NodeTool     NodeType = "tool"
)

// EdgeType enumerates the twelve relationship labels.
type EdgeType string

const (
	EdgeHolds      EdgeType = "holds"
	EdgeOwns       EdgeType = "owns"
	EdgeMemberOf   EdgeType = "member_of"
	EdgeDependsOn  EdgeType = "depends_on"
	EdgeDeployed   EdgeType = "deployed"
	EdgeJudged     EdgeType = "judged"
	EdgeTrusts     EdgeType = "trusts"
	EdgeUses       EdgeType = "uses"
	EdgeGuards     EdgeType = "guards"
	EdgeCreated    EdgeType = "created"
	EdgeInteracted EdgeType = "interacted"
	EdgeSimilar    EdgeType = "similar"
)

// Phi is the golden ratio; default edge weights are φ^k, k ∈ {0..3},
// so edge significance rises geometrically with relationship strength.
const Phi = 1.618033988749895

func phiPow(k int) float64 { return math.Pow(Phi, float64(k)) }

// Node is a typed graph vertex. Canonical key = "type:identifier".
type Node struct {
	ID         string                 `json:"id"`
	Type       NodeType               `json:"type"`
	Identifier string                 `json:"identifier"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Key returns the canonical node key.
func (n *Node) Key() string { return NodeKey(n.Type, n.Identifier) }

// NodeKey builds a canonical node key from its parts.
func NodeKey(t NodeType, identifier string) string {
	return string(t) + ":" + identifier
}

// Edge is a directed, weighted, typed relationship between two nodes.
// Canonical key = "type:source:target"; duplicates upsert.
type Edge struct {
	ID         string                 `json:"id"`
	Type       EdgeType               `json:"type"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Weight     float64                `json:"weight"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Key returns the canonical edge key.
func (e *Edge) Key() string { return EdgeKey(e.Type, e.SourceID, e.TargetID) }

// EdgeKey builds a canonical edge key from its parts.
func EdgeKey(t EdgeType, source, target string) string {
	return string(t) + ":" + source + ":" + target
}

// Direction selects edge orientation for traversal and neighbour reads.
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

// EdgeSpec constrains an edge type: legal endpoint node types and the
// default φ^k weight applied when an edge arrives with weight unset.
type EdgeSpec struct {
	From          []NodeType
	To            []NodeType
	DefaultWeight float64
}

func (s EdgeSpec) fromAllows(t NodeType) bool { return typeIn(s.From, t) }
func (s EdgeSpec) toAllows(t NodeType) bool   { return typeIn(s.To, t) }

func typeIn(set []NodeType, t NodeType) bool {
	if len(set) == 0 { // empty set = any type
		return true
	}
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

var anyType = []NodeType{}

// edgeSpecs is the published edge-type contract.
var edgeSpecs = map[EdgeType]EdgeSpec{
	EdgeHolds:      {From: []NodeType{NodeWallet}, To: []NodeType{NodeToken}, DefaultWeight: phiPow(0)},
	EdgeOwns:       {From: []NodeType{NodeUser}, To: []NodeType{NodeWallet, NodeRepo, NodeProject}, DefaultWeight: phiPow(2)},
	EdgeMemberOf:   {From: []NodeType{NodeUser}, To: []NodeType{NodeProject}, DefaultWeight: phiPow(1)},
	EdgeDependsOn:  {From: []NodeType{NodeProject, NodeRepo}, To: []NodeType{NodeRepo, NodeContract}, DefaultWeight: phiPow(1)},
	EdgeDeployed:   {From: []NodeType{NodeProject, NodeUser}, To: []NodeType{NodeContract}, DefaultWeight: phiPow(2)},
	EdgeJudged:     {From: []NodeType{NodeNode}, To: anyType, DefaultWeight: phiPow(3)},
	EdgeTrusts:     {From: []NodeType{NodeNode, NodeUser}, To: []NodeType{NodeNode, NodeUser, NodeDog}, DefaultWeight: phiPow(2)},
	EdgeUses:       {From: []NodeType{NodeUser, NodeProject, NodeDog}, To: []NodeType{NodeTool}, DefaultWeight: phiPow(0)},
	EdgeGuards:     {From: []NodeType{NodeDog}, To: []NodeType{NodeProject, NodeRepo, NodeContract, NodeNode}, DefaultWeight: phiPow(2)},
	EdgeCreated:    {From: []NodeType{NodeUser}, To: []NodeType{NodeRepo, NodeProject, NodeContract}, DefaultWeight: phiPow(1)},
	EdgeInteracted: {From: []NodeType{NodeUser, NodeNode}, To: anyType, DefaultWeight: phiPow(0)},
	EdgeSimilar:    {From: anyType, To: anyType, DefaultWeight: phiPow(0)},
}

// Spec returns the EdgeSpec for a type, or false for unknown labels.
func Spec(t EdgeType) (EdgeSpec, bool) {
	s, ok := edgeSpecs[t]
	return s, ok
}

// nodeSchemas lists required attribute fields per node type.
var nodeSchemas = map[NodeType][]string{
	NodeToken:    {"symbol"},
	NodeWallet:   {"address"},
	NodeContract: {"address"},
	NodeProject:  nil,
	NodeRepo:     nil,
	NodeUser:     nil,
	NodeNode:     nil,
	NodeDog:      {"domain"},
	NodeTool:     nil,
}

// ValidationError reports a malformed node or edge: missing schema
// fields or illegal endpoint types.
type ValidationError struct {
	Entity  string   // "node" or "edge"
	Key     string   // canonical key of the offending entity
	Missing []string // missing required attribute fields
	Reason  string   // endpoint-type or unknown-type explanation
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s %s: missing required fields: %s",
			e.Entity, e.Key, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.Key, e.Reason)
}

// validateNode checks a node against its type schema.
func validateNode(n *Node) error {
	required, ok := nodeSchemas[n.Type]
	if !ok {
		return &ValidationError{Entity: "node", Key: n.Key(), Reason: fmt.Sprintf("unknown node type %q", n.Type)}
	}
	if n.Identifier == "" {
		return &ValidationError{Entity: "node", Key: n.Key(), Reason: "empty identifier"}
	}
	var missing []string
	for _, field := range required {
		if _, present := n.Attributes[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Entity: "node", Key: n.Key(), Missing: missing}
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Nodes       int              `json:"nodes"`
	Edges       int              `json:"edges"`
	NodesByType map[NodeType]int `json:"nodes_by_type"`
	EdgesByType map[EdgeType]int `json:"edges_by_type"`
	Version     uint64           `json:"version"`
}

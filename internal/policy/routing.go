package policy

import (
	"strings"

	"github.com/arbiternet/arbiter/internal/core"
)

// Domain is one entry of the routing table: trigger substrings, the
// dog that handles the domain, and its suggested tools in preference
// order (first is the preferred tool for auto-invocation).
type Domain struct {
	Name     string   `json:"name"`
	Handler  string   `json:"handler"`
	Triggers []string `json:"triggers"`
	Tools    []string `json:"tools"`
}

// PreferredTool returns the first suggested tool, or "".
func (d Domain) PreferredTool() string {
	if len(d.Tools) == 0 {
		return ""
	}
	return d.Tools[0]
}

// CrownDomain is the generic fallback when nothing else matches. It
// has no triggers and no tools; the crown dog only observes.
const CrownDomain = "crown"

// domains is the registration order. route walks it top to bottom and
// the first trigger hit wins, so more specific domains come first.
var domains = []Domain{
	{
		Name:     "protection",
		Handler:  "warden",
		Triggers: []string{"security", "vulnerab", "danger", "protect", "audit", "unsafe", "exploit"},
		Tools:    []string{"shield", "audit-trail"},
	},
	{
		Name:     "wisdom",
		Handler:  "sage",
		Triggers: []string{"meaning", "philosophy", "purpose", "wisdom", "ethic", "principle", "should we"},
		Tools:    []string{"reflect", "counsel"},
	},
	{
		Name:     "design",
		Handler:  "architect",
		Triggers: []string{"design", "architecture", "interface", "schema", "api", "blueprint"},
		Tools:    []string{"sketch", "blueprint"},
	},
	{
		Name:     "memory",
		Handler:  "keeper",
		Triggers: []string{"remember", "recall", "history", "last time", "what did", "previously"},
		Tools:    []string{"journal", "retrieve"},
	},
	{
		Name:     "analysis",
		Handler:  "scout",
		Triggers: []string{"analyze", "analyse", "debug", "investigate", "root cause", "profile", "benchmark"},
		Tools:    []string{"inspect", "profiler"},
	},
	{
		Name:     "visualization",
		Handler:  "prism",
		Triggers: []string{"visualize", "visualise", "diagram", "chart", "plot", "render"},
		Tools:    []string{"draw", "plotter"},
	},
	{
		Name:     "exploration",
		Handler:  "ranger",
		Triggers: []string{"explore", "discover", "search", "find", "where is", "look for"},
		Tools:    []string{"survey", "probe"},
	},
	{
		Name:     "cleanup",
		Handler:  "sweeper",
		Triggers: []string{"clean", "tidy", "dead code", "unused", "lint", "prune"},
		Tools:    []string{"sweep", "pruner"},
	},
	{
		Name:     "deployment",
		Handler:  "shepherd",
		Triggers: []string{"deploy", "release", "rollout", "ship it", "publish", "launch"},
		Tools:    []string{"canary", "rollback"},
	},
	{
		Name:     "mapping",
		Handler:  "cartographer",
		Triggers: []string{"map ", "structure", "layout", "dependenc", "overview", "topology"},
		Tools:    []string{"chart", "census"},
	},
}

// Route is the routing decision for one event.
type Route struct {
	Domain   Domain `json:"domain"`
	Matched  string `json:"matched,omitempty"` // trigger that hit, "" on defaults
	Fallback bool   `json:"fallback"`          // true when no trigger matched
}

// Domains returns the routing table in registration order.
func Domains() []Domain {
	out := make([]Domain, len(domains))
	copy(out, domains)
	return out
}

// DomainByName looks up a domain; ok is false for unknown names and
// the crown fallback.
func DomainByName(name string) (Domain, bool) {
	for _, d := range domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// RouteContent lowercases content and returns the first domain with a
// matching trigger. With no match the default derives from the event
// kind: judgment requests go to protection, errors to analysis, file
// changes to mapping, and everything else to the crown fallback.
func RouteContent(content string, kind core.EventKind) Route {
	lower := strings.ToLower(content)
	for _, d := range domains {
		for _, trig := range d.Triggers {
			if strings.Contains(lower, trig) {
				return Route{Domain: d, Matched: trig}
			}
		}
	}

	switch kind {
	case core.EventJudgmentRequest:
		d, _ := DomainByName("protection")
		return Route{Domain: d, Fallback: true}
	case core.EventError:
		d, _ := DomainByName("analysis")
		return Route{Domain: d, Fallback: true}
	case core.EventFileChange:
		d, _ := DomainByName("mapping")
		return Route{Domain: d, Fallback: true}
	default:
		return Route{
			Domain:   Domain{Name: CrownDomain, Handler: CrownDomain},
			Fallback: true,
		}
	}
}

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/core"
)

func TestDetectRiskOrderedPatterns(t *testing.T) {
	cases := []struct {
		text string
		want core.RiskLevel
	}{
		{"rm -rf /", core.RiskCritical},
		{"please DROP TABLE users", core.RiskCritical},
		{"git push --force origin main", core.RiskCritical},
		// Critical wins even when high patterns are also present.
		{"rm -rf / on the production box", core.RiskCritical},
		{"rotate the api key", core.RiskHigh},
		{"deploy the service", core.RiskHigh},
		{"sudo systemctl restart nginx", core.RiskHigh},
		{"refactor the session package", core.RiskMedium},
		{"edit README", core.RiskMedium},
		{"design a new API", core.RiskLow},
		{"what is the meaning of this?", core.RiskLow},
		{"", core.RiskLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectRisk(tc.text), "text: %q", tc.text)
	}
}

func TestTrustTierThresholds(t *testing.T) {
	cases := []struct {
		trust float64
		want  core.TrustTier
	}{
		{100, core.TierGuardian},
		{61.8, core.TierGuardian},
		{61.79, core.TierSteward},
		{38.2, core.TierSteward},
		{38.19, core.TierBuilder},
		{30, core.TierBuilder},
		{29.9, core.TierContributor},
		{15, core.TierContributor},
		{14.9, core.TierObserver},
		{0, core.TierObserver},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TrustTier(tc.trust), "trust: %v", tc.trust)
	}
}

func TestTierThresholdOverrides(t *testing.T) {
	th := TierThresholds{Guardian: 90, Steward: 70, Builder: 50, Contributor: 25}
	assert.Equal(t, core.TierSteward, th.Tier(75))
	assert.Equal(t, core.TierObserver, th.Tier(20))
}

func TestInterventionMatrix(t *testing.T) {
	// Full matrix, row by row. This table is the published contract.
	cases := []struct {
		risk core.RiskLevel
		tier core.TrustTier
		want core.InterventionLevel
	}{
		{core.RiskCritical, core.TierGuardian, core.InterventionAsk},
		{core.RiskCritical, core.TierSteward, core.InterventionAsk},
		{core.RiskCritical, core.TierBuilder, core.InterventionBlock},
		{core.RiskCritical, core.TierContributor, core.InterventionBlock},
		{core.RiskCritical, core.TierObserver, core.InterventionBlock},

		{core.RiskHigh, core.TierGuardian, core.InterventionNotify},
		{core.RiskHigh, core.TierSteward, core.InterventionAsk},
		{core.RiskHigh, core.TierBuilder, core.InterventionAsk},
		{core.RiskHigh, core.TierContributor, core.InterventionBlock},
		{core.RiskHigh, core.TierObserver, core.InterventionBlock},

		{core.RiskMedium, core.TierGuardian, core.InterventionSilent},
		{core.RiskMedium, core.TierSteward, core.InterventionNotify},
		{core.RiskMedium, core.TierBuilder, core.InterventionNotify},
		{core.RiskMedium, core.TierContributor, core.InterventionAsk},
		{core.RiskMedium, core.TierObserver, core.InterventionAsk},

		{core.RiskLow, core.TierGuardian, core.InterventionSilent},
		{core.RiskLow, core.TierSteward, core.InterventionSilent},
		{core.RiskLow, core.TierBuilder, core.InterventionSilent},
		{core.RiskLow, core.TierContributor, core.InterventionNotify},
		{core.RiskLow, core.TierObserver, core.InterventionNotify},
	}
	for _, tc := range cases {
		got := Intervention(tc.tier, tc.risk)
		assert.Equal(t, tc.want, got, "risk=%s tier=%s", tc.risk, tc.tier)
	}
}

func TestInterventionIsPure(t *testing.T) {
	first := Intervention(core.TierBuilder, core.RiskHigh)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Intervention(core.TierBuilder, core.RiskHigh))
	}
}

func TestRouteByContent(t *testing.T) {
	cases := []struct {
		content string
		domain  string
		handler string
	}{
		{"design a new API", "design", "architect"},
		{"what is the meaning of this?", "wisdom", "sage"},
		{"run a security audit", "protection", "warden"},
		{"what did we decide last time", "memory", "keeper"},
		{"debug the flaky test", "analysis", "scout"},
		{"draw a diagram of the flow", "visualization", "prism"},
		{"explore the codebase", "exploration", "ranger"},
		{"remove dead code", "cleanup", "sweeper"},
		{"release version two", "deployment", "shepherd"},
		{"show the dependency overview", "mapping", "cartographer"},
	}
	for _, tc := range cases {
		r := RouteContent(tc.content, core.EventUserPrompt)
		require.False(t, r.Fallback, "content: %q", tc.content)
		assert.Equal(t, tc.domain, r.Domain.Name, "content: %q", tc.content)
		assert.Equal(t, tc.handler, r.Domain.Handler, "content: %q", tc.content)
		assert.NotEmpty(t, r.Matched)
	}
}

func TestRouteEventKindDefaults(t *testing.T) {
	r := RouteContent("zzz", core.EventJudgmentRequest)
	assert.True(t, r.Fallback)
	assert.Equal(t, "protection", r.Domain.Name)

	r = RouteContent("", core.EventError)
	assert.True(t, r.Fallback)
	assert.Equal(t, "analysis", r.Domain.Name)

	r = RouteContent("", core.EventFileChange)
	assert.True(t, r.Fallback)
	assert.Equal(t, "mapping", r.Domain.Name)

	r = RouteContent("zzz", core.EventUserPrompt)
	assert.True(t, r.Fallback)
	assert.Equal(t, CrownDomain, r.Domain.Name)
	assert.Empty(t, r.Domain.Tools)
}

func TestRouteFirstTriggerWins(t *testing.T) {
	// Protection registers ahead of deployment, so mixed content routes
	// to the safety domain.
	r := RouteContent("audit the deploy pipeline", core.EventUserPrompt)
	assert.Equal(t, "protection", r.Domain.Name)
}

func TestDomainsTableShape(t *testing.T) {
	ds := Domains()
	require.Len(t, ds, 10)
	seen := map[string]bool{}
	for _, d := range ds {
		assert.NotEmpty(t, d.Handler, "domain %s", d.Name)
		assert.NotEmpty(t, d.Triggers, "domain %s", d.Name)
		assert.NotEmpty(t, d.PreferredTool(), "domain %s", d.Name)
		assert.False(t, seen[d.Name])
		seen[d.Name] = true
	}

	d, ok := DomainByName("wisdom")
	require.True(t, ok)
	assert.Equal(t, "sage", d.Handler)
	_, ok = DomainByName(CrownDomain)
	assert.False(t, ok)
}

// Package policy holds the pure decision functions of the pipeline:
// content risk classification, trust tiers, the intervention matrix,
// and the domain routing table. Nothing here keeps state; every
// function is deterministic in its inputs.
package policy

import (
	"strings"

	"github.com/arbiternet/arbiter/internal/core"
)

// Pattern sets are scanned in order of severity, first match wins.
// Critical covers irreversible destruction, high covers production and
// credential-adjacent operations, medium covers ordinary mutation.
var (
	criticalPatterns = []string{
		"rm -rf",
		"rm -fr",
		"drop table",
		"drop database",
		"truncate table",
		"delete from",
		"format c:",
		"mkfs",
		"dd if=",
		":(){",
		"push --force",
		"push -f",
		"reset --hard",
	}

	highPatterns = []string{
		"production",
		"prod ",
		"deploy",
		"credential",
		"secret",
		"password",
		"api key",
		"api_key",
		"private key",
		"token",
		".env",
		"sudo",
		"chmod 777",
	}

	mediumPatterns = []string{
		"edit",
		"modify",
		"refactor",
		"rewrite",
		"rename",
		"migrate",
		"update",
		"overwrite",
		"delete",
	}
)

// DetectRisk classifies text by substring scan against the ordered
// pattern sets. Unmatched text is low risk.
func DetectRisk(text string) core.RiskLevel {
	lower := strings.ToLower(text)
	for _, p := range criticalPatterns {
		if strings.Contains(lower, p) {
			return core.RiskCritical
		}
	}
	for _, p := range highPatterns {
		if strings.Contains(lower, p) {
			return core.RiskHigh
		}
	}
	for _, p := range mediumPatterns {
		if strings.Contains(lower, p) {
			return core.RiskMedium
		}
	}
	return core.RiskLow
}

// TierThresholds are the published tier cutoffs over the 0..100 trust
// scale. Guardian and steward sit on the golden-ratio percentages.
type TierThresholds struct {
	Guardian    float64 `yaml:"guardian"`
	Steward     float64 `yaml:"steward"`
	Builder     float64 `yaml:"builder"`
	Contributor float64 `yaml:"contributor"`
}

// DefaultTierThresholds returns the contract values 61.8 / 38.2 / 30 / 15.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{
		Guardian:    core.PhiInverse * 100,
		Steward:     core.PhiInverseSq * 100,
		Builder:     30,
		Contributor: 15,
	}
}

// Tier buckets a scalar trust value using the given thresholds.
func (t TierThresholds) Tier(trust float64) core.TrustTier {
	switch {
	case trust >= t.Guardian:
		return core.TierGuardian
	case trust >= t.Steward:
		return core.TierSteward
	case trust >= t.Builder:
		return core.TierBuilder
	case trust >= t.Contributor:
		return core.TierContributor
	default:
		return core.TierObserver
	}
}

// TrustTier buckets trust with the default thresholds.
func TrustTier(trust float64) core.TrustTier {
	return DefaultTierThresholds().Tier(trust)
}

// interventionMatrix is authoritative: rows are risk levels, columns
// trust tiers. Changing a cell is a contract change.
var interventionMatrix = map[core.RiskLevel]map[core.TrustTier]core.InterventionLevel{
	core.RiskCritical: {
		core.TierGuardian:    core.InterventionAsk,
		core.TierSteward:     core.InterventionAsk,
		core.TierBuilder:     core.InterventionBlock,
		core.TierContributor: core.InterventionBlock,
		core.TierObserver:    core.InterventionBlock,
	},
	core.RiskHigh: {
		core.TierGuardian:    core.InterventionNotify,
		core.TierSteward:     core.InterventionAsk,
		core.TierBuilder:     core.InterventionAsk,
		core.TierContributor: core.InterventionBlock,
		core.TierObserver:    core.InterventionBlock,
	},
	core.RiskMedium: {
		core.TierGuardian:    core.InterventionSilent,
		core.TierSteward:     core.InterventionNotify,
		core.TierBuilder:     core.InterventionNotify,
		core.TierContributor: core.InterventionAsk,
		core.TierObserver:    core.InterventionAsk,
	},
	core.RiskLow: {
		core.TierGuardian:    core.InterventionSilent,
		core.TierSteward:     core.InterventionSilent,
		core.TierBuilder:     core.InterventionSilent,
		core.TierContributor: core.InterventionNotify,
		core.TierObserver:    core.InterventionNotify,
	},
}

// Intervention derives the intervention level from (tier, risk). The
// result depends only on its arguments, never on history.
func Intervention(tier core.TrustTier, risk core.RiskLevel) core.InterventionLevel {
	row, ok := interventionMatrix[risk]
	if !ok {
		return core.InterventionAsk
	}
	level, ok := row[tier]
	if !ok {
		return core.InterventionAsk
	}
	return level
}

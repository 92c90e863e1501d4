package scanner

import (
	"time"

	"ignition-scanner/internal/store"
)

// RuleDecision is the explicit result type the rule gate returns in place
// of exception-driven control flow.
type RuleDecision struct {
	Triggered bool
	Tags      []string
}

// ShouldTrigger applies the ignition rule gate: every predicate must hold.
func ShouldTrigger(m Metrics, cfg store.ScannerConfig) RuleDecision {
	if m.Vol1m < cfg.MinVol1m {
		return RuleDecision{}
	}

	if m.RVOL1m < cfg.RVOL1mThresh && m.RVOL5m < cfg.RVOL5mThresh {
		return RuleDecision{}
	}

	priceOK := m.PctChange1m >= cfg.MinPctChange1m || m.PctChange5m >= cfg.MinPctChange5m
	if cfg.RequireHODBreak {
		priceOK = priceOK && m.BrokeHOD
	}
	if !priceOK {
		return RuleDecision{}
	}

	if cfg.RequireGreenCandle && m.Last.C < m.Last.O {
		return RuleDecision{}
	}

	var tags []string
	if m.RVOL1m >= cfg.RVOL1mThresh {
		tags = append(tags, "RVOL_1M_THR")
	}
	if m.RVOL5m >= cfg.RVOL5mThresh {
		tags = append(tags, "RVOL_5M_THR")
	}
	if m.PctChange1m >= cfg.MinPctChange1m {
		tags = append(tags, "PCT_1M_THR")
	}
	if m.PctChange5m >= cfg.MinPctChange5m {
		tags = append(tags, "PCT_5M_THR")
	}
	if m.BrokeHOD {
		tags = append(tags, "HOD_BREAK")
	}

	return RuleDecision{Triggered: true, Tags: tags}
}

// CooldownDecision is the explicit result type the cooldown gate returns.
type CooldownDecision struct {
	Allowed bool
	Reason  string
}

// CheckCooldown implements spec.md's cooldown/re-alert gate: with no prior
// event, allow; with a prior event older than the cooldown window, allow;
// otherwise allow only if realert_on_new_hod is set and the current HOD is
// strictly greater than the previous event's HOD. Evaluated purely at the
// symbol level, independent of any individual user's cleared_until cursor
// (spec.md §9's explicit open-question resolution).
func CheckCooldown(prior *store.TriggerEvent, currentHOD float64, cfg store.ScannerConfig, now time.Time) CooldownDecision {
	if prior == nil {
		return CooldownDecision{Allowed: true, Reason: "no_prior_event"}
	}

	cutoff := now.Add(-time.Duration(cfg.CooldownMinutes) * time.Minute)
	if prior.TriggeredAt.Before(cutoff) {
		return CooldownDecision{Allowed: true, Reason: "cooldown_elapsed"}
	}

	if cfg.RealertOnNewHOD && currentHOD > prior.HOD {
		return CooldownDecision{Allowed: true, Reason: "new_hod"}
	}

	return CooldownDecision{Allowed: false, Reason: "in_cooldown"}
}

// mergeTags concatenates rule-gate tags and metric-informational tags,
// deduplicating while preserving first-seen order, per spec.md §4.4.
func mergeTags(decisionTags, informationalTags []string) []string {
	seen := make(map[string]bool, len(decisionTags)+len(informationalTags))
	out := make([]string, 0, len(decisionTags)+len(informationalTags))
	for _, t := range decisionTags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range informationalTags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

package policy

import (
	"sort"
	"strings"

	"github.com/MEKXH/tollgate/internal/approval"
)

// Evaluator performs pure policy decisions.
type Evaluator struct {
	version   string
	rules     []Rule
	highFlags []string
}

// NewEvaluator builds a deterministic, side-effect free evaluator. Rules are
// ordered by descending threshold so the most restrictive bracket matches
// first; rules sharing a threshold keep their declaration order.
func NewEvaluator(p Policy) Evaluator {
	rules := append([]Rule(nil), p.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].MinAmount > rules[j].MinAmount
	})
	return Evaluator{
		version:   p.Version,
		rules:     rules,
		highFlags: normalizeList(p.HighUrgencyFlags),
	}
}

// Evaluate maps a transaction and policy to the required approval tier.
func Evaluate(tx approval.Transaction, p Policy) approval.Requirement {
	return NewEvaluator(p).Evaluate(tx)
}

// Version returns the policy version the evaluator was built from.
func (e Evaluator) Version() string {
	return e.version
}

// Evaluate returns a deterministic requirement for the given transaction.
// A transaction matching no rule needs no approval.
func (e Evaluator) Evaluate(tx approval.Transaction) approval.Requirement {
	for _, rule := range e.rules {
		if !matches(rule, tx) {
			continue
		}
		tier, _ := approval.ParseTier(rule.Tier)
		urgency, _ := approval.ParseUrgency(rule.Urgency)
		if tier != approval.TierNone && e.raisesUrgency(tx) {
			urgency = approval.UrgencyHigh
		}
		return approval.Requirement{
			Tier:          tier,
			Urgency:       urgency,
			RuleID:        rule.ID,
			PolicyVersion: e.version,
		}
	}

	return approval.Requirement{
		Tier:          approval.TierNone,
		Urgency:       approval.UrgencyNormal,
		PolicyVersion: e.version,
	}
}

func (e Evaluator) raisesUrgency(tx approval.Transaction) bool {
	for _, flag := range e.highFlags {
		if tx.HasFlag(flag) {
			return true
		}
	}
	return false
}

func matches(rule Rule, tx approval.Transaction) bool {
	if tx.Amount < rule.MinAmount {
		return false
	}
	if rule.Currency != "" && !strings.EqualFold(rule.Currency, strings.TrimSpace(tx.Currency)) {
		return false
	}
	if len(rule.Venues) > 0 && !containsFold(rule.Venues, tx.Venue) {
		return false
	}
	if len(rule.RiskFlags) > 0 {
		hit := false
		for _, flag := range rule.RiskFlags {
			if tx.HasFlag(flag) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

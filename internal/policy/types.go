package policy

import (
	"fmt"
	"strings"

	"github.com/MEKXH/tollgate/internal/approval"
)

// Rule maps a threshold bracket to a required tier.
type Rule struct {
	ID        string   `yaml:"id" json:"id"`
	MinAmount int64    `yaml:"min_amount" json:"min_amount"`
	Currency  string   `yaml:"currency,omitempty" json:"currency,omitempty"`
	Venues    []string `yaml:"venues,omitempty" json:"venues,omitempty"`
	RiskFlags []string `yaml:"risk_flags,omitempty" json:"risk_flags,omitempty"`
	Tier      string   `yaml:"tier" json:"tier"`
	Urgency   string   `yaml:"urgency,omitempty" json:"urgency,omitempty"`
}

// Tiers lists which roles carry approval authority for each tier.
type Tiers struct {
	Single []string `yaml:"single" json:"single"`
	Multi  []string `yaml:"multi" json:"multi"`
}

// Policy is a versioned approval policy document.
type Policy struct {
	Version          string   `yaml:"version" json:"version"`
	Rules            []Rule   `yaml:"rules" json:"rules"`
	Tiers            Tiers    `yaml:"tiers" json:"tiers"`
	EscalationRoles  []string `yaml:"escalation_roles,omitempty" json:"escalation_roles,omitempty"`
	HighUrgencyFlags []string `yaml:"high_urgency_flags,omitempty" json:"high_urgency_flags,omitempty"`
}

// RolesFor returns the roles allowed to decide a case of the given tier.
// Escalated cases additionally accept the escalation roles.
func (p Policy) RolesFor(tier approval.Tier, escalated bool) []string {
	var roles []string
	switch tier {
	case approval.TierSingle:
		roles = append(roles, p.Tiers.Single...)
	case approval.TierMulti:
		roles = append(roles, p.Tiers.Multi...)
	}
	if escalated {
		roles = append(roles, p.EscalationRoles...)
	}
	return normalizeList(roles)
}

// PolicyConfigError reports every problem found while loading a policy.
type PolicyConfigError struct {
	Source   string
	Problems []string
}

func (e *PolicyConfigError) Error() string {
	src := e.Source
	if src == "" {
		src = "policy"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", src, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problems: %s", src, len(e.Problems), strings.Join(e.Problems, "; "))
}

func normalizeList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

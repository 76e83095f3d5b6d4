package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MEKXH/tollgate/internal/approval"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a policy document from disk.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		var cfgErr *PolicyConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = path
		}
		return Policy{}, err
	}
	return p, nil
}

// Parse decodes a YAML policy and validates it. Unknown keys are rejected.
func Parse(data []byte) (Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, &PolicyConfigError{Problems: []string{"document is empty"}}
		}
		return Policy{}, &PolicyConfigError{Problems: []string{err.Error()}}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate normalizes the policy in place and returns a PolicyConfigError
// listing every problem found.
func (p *Policy) Validate() error {
	var problems []string

	p.Version = strings.TrimSpace(p.Version)
	if p.Version == "" {
		problems = append(problems, "version is required")
	}

	p.Tiers.Single = normalizeList(p.Tiers.Single)
	p.Tiers.Multi = normalizeList(p.Tiers.Multi)
	p.EscalationRoles = normalizeList(p.EscalationRoles)
	p.HighUrgencyFlags = normalizeList(p.HighUrgencyFlags)

	used := map[approval.Tier]bool{}
	seen := make(map[string]int, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		label := fmt.Sprintf("rules[%d]", i)

		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			problems = append(problems, label+": id is required")
		} else if prev, dup := seen[r.ID]; dup {
			problems = append(problems, fmt.Sprintf("%s: id %q duplicates rules[%d]", label, r.ID, prev))
		} else {
			seen[r.ID] = i
			label = fmt.Sprintf("rules[%d] (%s)", i, r.ID)
		}

		if r.MinAmount < 0 {
			problems = append(problems, fmt.Sprintf("%s: min_amount must not be negative, got %d", label, r.MinAmount))
		}

		tier, ok := approval.ParseTier(r.Tier)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown tier %q", label, r.Tier))
		} else {
			r.Tier = string(tier)
			used[tier] = true
		}

		urgency, ok := approval.ParseUrgency(r.Urgency)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown urgency %q", label, r.Urgency))
		} else {
			r.Urgency = string(urgency)
		}

		r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
		r.Venues = normalizeList(r.Venues)
		r.RiskFlags = normalizeList(r.RiskFlags)
	}

	if used[approval.TierSingle] && len(p.Tiers.Single) == 0 {
		problems = append(problems, "tiers.single: at least one role is required")
	}
	if used[approval.TierMulti] && len(p.Tiers.Multi) == 0 {
		problems = append(problems, "tiers.multi: at least one role is required")
	}

	if len(problems) > 0 {
		return &PolicyConfigError{Problems: problems}
	}
	return nil
}

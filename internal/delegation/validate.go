package delegation

import (
	"strings"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
)

// Normalize trims identifiers and canonicalizes the scope in place.
func (d *Delegation) Normalize() {
	d.Grantor = strings.TrimSpace(d.Grantor)
	d.Grantee = strings.TrimSpace(d.Grantee)
	d.CreatedBy = strings.TrimSpace(d.CreatedBy)
	d.Reason = strings.TrimSpace(d.Reason)

	venues := make([]string, 0, len(d.Scope.Venues))
	seen := map[string]struct{}{}
	for _, v := range d.Scope.Venues {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		venues = append(venues, v)
	}
	if len(venues) == 0 {
		venues = nil
	}
	d.Scope.Venues = venues
}

// Validate checks a new delegation against the live delegations already on
// record. A user may not delegate to themselves, may not hold two live
// delegations with overlapping scope and window, and may not be grantor and
// grantee within the same scope at once.
func Validate(d Delegation, existing []Delegation, now time.Time) error {
	if d.Grantor == "" {
		return approval.Invalid("grantor", "is required")
	}
	if d.Grantee == "" {
		return approval.Invalid("grantee", "is required")
	}
	if d.Grantor == d.Grantee {
		return approval.Invalid("grantee", "must differ from grantor %q", d.Grantor)
	}
	if len(d.Scope.Tiers) == 0 {
		return approval.Invalid("scope.tiers", "at least one tier is required")
	}
	for _, t := range d.Scope.Tiers {
		if t != approval.TierSingle && t != approval.TierMulti {
			return approval.Invalid("scope.tiers", "cannot delegate tier %q", t)
		}
	}
	if d.Window.Start.IsZero() || d.Window.End.IsZero() {
		return approval.Invalid("window", "start and end are required")
	}
	if !d.Window.End.After(d.Window.Start) {
		return approval.Invalid("window", "end must be after start")
	}
	if !d.Window.End.After(now) {
		return approval.Invalid("window", "already ended at %s", d.Window.End.Format(time.RFC3339))
	}

	for _, other := range existing {
		if other.ID == d.ID || !other.Live(now) {
			continue
		}
		if !other.Window.Overlaps(d.Window) || !other.Scope.Overlaps(d.Scope) {
			continue
		}
		switch {
		case other.Grantor == d.Grantor:
			return approval.Invalid("scope", "overlaps delegation %s from %s", other.ID, d.Grantor)
		case other.Grantee == d.Grantor:
			return approval.Invalid("grantor", "%s already receives delegation %s in this scope", d.Grantor, other.ID)
		case other.Grantor == d.Grantee:
			return approval.Invalid("grantee", "%s already delegates in this scope via %s", d.Grantee, other.ID)
		}
	}
	return nil
}

package delegation

import (
	"strings"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
)

// Scope limits which cases a delegation applies to. Empty venues means every
// venue.
type Scope struct {
	Tiers  []approval.Tier `json:"tiers"`
	Venues []string        `json:"venues,omitempty"`
}

// Covers reports whether the scope includes a case of the given tier and venue.
func (s Scope) Covers(tier approval.Tier, venue string) bool {
	tierOK := false
	for _, t := range s.Tiers {
		if t == tier {
			tierOK = true
			break
		}
	}
	if !tierOK {
		return false
	}
	if len(s.Venues) == 0 {
		return true
	}
	venue = strings.TrimSpace(venue)
	for _, v := range s.Venues {
		if strings.EqualFold(v, venue) {
			return true
		}
	}
	return false
}

// Overlaps reports whether two scopes share at least one tier and venue.
func (s Scope) Overlaps(o Scope) bool {
	shared := false
	for _, a := range s.Tiers {
		for _, b := range o.Tiers {
			if a == b {
				shared = true
			}
		}
	}
	if !shared {
		return false
	}
	if len(s.Venues) == 0 || len(o.Venues) == 0 {
		return true
	}
	for _, a := range s.Venues {
		for _, b := range o.Venues {
			if strings.EqualFold(a, b) {
				return true
			}
		}
	}
	return false
}

// Window is the half-open validity interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether two windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Delegation is a temporary grant of one user's approval authority to another.
type Delegation struct {
	ID        string    `json:"id"`
	Grantor   string    `json:"grantor"`
	Grantee   string    `json:"grantee"`
	Scope     Scope     `json:"scope"`
	Window    Window    `json:"window"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	RevokedBy string    `json:"revoked_by,omitempty"`
}

// Revoked reports whether the delegation was revoked at or before t.
func (d Delegation) Revoked(t time.Time) bool {
	return !d.RevokedAt.IsZero() && !t.Before(d.RevokedAt)
}

// ActiveAt reports whether the delegation grants authority at t.
func (d Delegation) ActiveAt(t time.Time) bool {
	return !d.Revoked(t) && d.Window.Contains(t)
}

// Live reports whether the delegation is neither revoked nor expired at t.
// A delegation whose window has not started yet is live.
func (d Delegation) Live(t time.Time) bool {
	return !d.Revoked(t) && t.Before(d.Window.End)
}

// Status summarizes the delegation for listings.
func (d Delegation) Status(t time.Time) string {
	switch {
	case d.Revoked(t):
		return "revoked"
	case !t.Before(d.Window.End):
		return "expired"
	case t.Before(d.Window.Start):
		return "scheduled"
	default:
		return "active"
	}
}

// Query filters delegations when listing.
type Query struct {
	Grantor  string
	Grantee  string
	LiveAt   time.Time
	Includes string
}

// Matches reports whether d satisfies the populated filter fields.
func (q Query) Matches(d Delegation) bool {
	if g := strings.TrimSpace(q.Grantor); g != "" && d.Grantor != g {
		return false
	}
	if g := strings.TrimSpace(q.Grantee); g != "" && d.Grantee != g {
		return false
	}
	if u := strings.TrimSpace(q.Includes); u != "" && d.Grantor != u && d.Grantee != u {
		return false
	}
	if !q.LiveAt.IsZero() && !d.Live(q.LiveAt) {
		return false
	}
	return true
}

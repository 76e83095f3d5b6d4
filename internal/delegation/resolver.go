package delegation

import (
	"sort"
	"strings"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/policy"
)

// EligibleApprovers returns the sorted set of users who may decide on c at
// now. The base pool holds users whose roles satisfy the case tier (widened
// with escalation roles once escalated). Grantees of delegations active at
// now are added when their grantor is in the base pool and the delegation
// scope covers the case. An empty result means the case is unassignable.
func EligibleApprovers(c *approval.Case, roster Roster, delegations []Delegation, pol policy.Policy, now time.Time) []string {
	if c == nil || !c.State.IsOpen() {
		return nil
	}

	roles := pol.RolesFor(c.Tier, c.State == approval.StateEscalated)
	base := roster.UsersWithAnyRole(roles)

	pool := make(map[string]struct{}, len(base))
	for _, u := range base {
		pool[u] = struct{}{}
	}
	for _, d := range delegations {
		if !d.ActiveAt(now) || !d.Scope.Covers(c.Tier, c.Transaction.Venue) {
			continue
		}
		if !containsString(base, d.Grantor) {
			continue
		}
		pool[d.Grantee] = struct{}{}
	}

	// The originating user never approves their own transaction.
	delete(pool, strings.TrimSpace(c.Transaction.UserID))

	out := make([]string, 0, len(pool))
	for u := range pool {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// CanDecide reports whether actor is among the eligible approvers.
func CanDecide(actor string, c *approval.Case, roster Roster, delegations []Delegation, pol policy.Policy, now time.Time) bool {
	return containsString(EligibleApprovers(c, roster, delegations, pol, now), strings.TrimSpace(actor))
}

func containsString(list []string, v string) bool {
	i := sort.SearchStrings(list, v)
	return i < len(list) && list[i] == v
}

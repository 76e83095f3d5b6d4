package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/tracing"
)

// DelegationInput describes a new delegation. A zero Start means now.
type DelegationInput struct {
	Grantor   string
	Grantee   string
	Tiers     []approval.Tier
	Venues    []string
	Start     time.Time
	End       time.Time
	Reason    string
	CreatedBy string
}

// CreateDelegation validates in against the live delegations on record and
// stores it.
func (e *Engine) CreateDelegation(ctx context.Context, in DelegationInput) (d delegation.Delegation, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.delegation.create", map[string]string{
		"grantor": in.Grantor,
		"grantee": in.Grantee,
	})
	defer func() { span.End(err) }()

	now := e.now().UTC()
	start := in.Start
	if start.IsZero() {
		start = now
	}
	d = delegation.Delegation{
		ID:        e.newID(),
		Grantor:   in.Grantor,
		Grantee:   in.Grantee,
		Scope:     delegation.Scope{Tiers: append([]approval.Tier(nil), in.Tiers...), Venues: in.Venues},
		Window:    delegation.Window{Start: start.UTC(), End: in.End.UTC()},
		Reason:    in.Reason,
		CreatedBy: in.CreatedBy,
		CreatedAt: now,
	}
	d.Normalize()

	var invalid error
	err = e.repo.CreateDelegation(ctx, d, func(stored []delegation.Delegation) error {
		live := make([]delegation.Delegation, 0, len(stored))
		for _, other := range stored {
			if other.Live(now) {
				live = append(live, other)
			}
		}
		invalid = delegation.Validate(d, live, now)
		return invalid
	})
	if invalid != nil {
		return delegation.Delegation{}, invalid
	}
	if err != nil {
		return delegation.Delegation{}, fmt.Errorf("create delegation: %w", err)
	}

	slog.Info("delegation created",
		"delegation_id", d.ID,
		"grantor", d.Grantor,
		"grantee", d.Grantee,
		"tiers", d.Scope.Tiers,
		"venues", d.Scope.Venues,
		"start", d.Window.Start,
		"end", d.Window.End,
	)
	return d, nil
}

// RevokeDelegation ends a delegation immediately. Revoking twice is a
// ValidationError.
func (e *Engine) RevokeDelegation(ctx context.Context, id, actorID string) (d delegation.Delegation, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.delegation.revoke", map[string]string{"delegation_id": id})
	defer func() { span.End(err) }()

	id = strings.TrimSpace(id)
	if id == "" {
		return delegation.Delegation{}, approval.Invalid("id", "delegation id is required")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return delegation.Delegation{}, approval.Invalid("actor", "actor is required")
	}

	e.delegationMu.Lock()
	defer e.delegationMu.Unlock()

	d, err = e.repo.GetDelegation(ctx, id)
	if err != nil {
		return delegation.Delegation{}, fmt.Errorf("delegation %s: %w", id, err)
	}
	now := e.now().UTC()
	if d.Revoked(now) {
		return delegation.Delegation{}, approval.Invalid("id", "delegation %s was already revoked", id)
	}
	d.RevokedAt = now
	d.RevokedBy = actorID
	if err := e.repo.UpdateDelegation(ctx, d); err != nil {
		return delegation.Delegation{}, fmt.Errorf("revoke delegation %s: %w", id, err)
	}

	slog.Info("delegation revoked", "delegation_id", d.ID, "grantor", d.Grantor, "grantee", d.Grantee, "by", actorID)
	return d, nil
}

// GetDelegation returns a delegation by id.
func (e *Engine) GetDelegation(ctx context.Context, id string) (delegation.Delegation, error) {
	d, err := e.repo.GetDelegation(ctx, strings.TrimSpace(id))
	if err != nil {
		return delegation.Delegation{}, fmt.Errorf("delegation %s: %w", id, err)
	}
	return d, nil
}

// ListDelegations returns delegations matching q.
func (e *Engine) ListDelegations(ctx context.Context, q delegation.Query) ([]delegation.Delegation, error) {
	return e.repo.ListDelegations(ctx, q)
}

// Now returns the engine clock, for callers that label listings.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

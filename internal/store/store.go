// Package store persists approval cases and delegations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
)

var (
	// ErrVersionConflict is returned when an update was based on a stale read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a case already exists for a transaction
	// or an ID is reused.
	ErrDuplicate = errors.New("already exists")
	// ErrHistoryRewrite is returned when an update would alter recorded history.
	ErrHistoryRewrite = errors.New("decision history is append-only")
)

// CaseRepository stores approval cases. Implementations return deep copies.
type CaseRepository interface {
	CreateCase(ctx context.Context, c *approval.Case) error
	GetCase(ctx context.Context, id string) (*approval.Case, error)
	GetCaseByTransaction(ctx context.Context, transactionID string) (*approval.Case, error)
	// UpdateCase replaces the case only when the stored version equals
	// expectedVersion and the stored history is a prefix of c.History.
	UpdateCase(ctx context.Context, c *approval.Case, expectedVersion int) error
	ListCases(ctx context.Context, q approval.Query) ([]*approval.Case, error)
}

// DelegationRepository stores delegations. Revocation is an update; records
// are never deleted.
type DelegationRepository interface {
	// CreateDelegation stores d after check accepts the delegations already
	// stored. The check and the insert are atomic with respect to other
	// CreateDelegation calls on the same backing store.
	CreateDelegation(ctx context.Context, d delegation.Delegation, check DelegationCheck) error
	GetDelegation(ctx context.Context, id string) (delegation.Delegation, error)
	UpdateDelegation(ctx context.Context, d delegation.Delegation) error
	ListDelegations(ctx context.Context, q delegation.Query) ([]delegation.Delegation, error)
}

// DelegationCheck inspects the stored delegations before an insert. A nil
// check accepts everything.
type DelegationCheck func(existing []delegation.Delegation) error

// Repository is the full persistence port used by the engine.
type Repository interface {
	CaseRepository
	DelegationRepository
	Close() error
}

// Options selects and configures a repository driver.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open builds the repository named by opts.Driver (memory, file or postgres).
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(opts.Path)
	case "postgres":
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func checkAppendOnly(stored, next *approval.Case) error {
	if len(next.History) < len(stored.History) {
		return ErrHistoryRewrite
	}
	for i, old := range stored.History {
		cur := next.History[i]
		if old.Seq != cur.Seq || old.Actor != cur.Actor || old.Action != cur.Action ||
			old.From != cur.From || old.To != cur.To || old.Note != cur.Note || !old.At.Equal(cur.At) {
			return ErrHistoryRewrite
		}
	}
	return nil
}

func sortCases(cases []*approval.Case) {
	sort.Slice(cases, func(i, j int) bool {
		if cases[i].CreatedAt.Equal(cases[j].CreatedAt) {
			return cases[i].ID < cases[j].ID
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

func sortDelegations(list []delegation.Delegation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func cloneDelegation(d delegation.Delegation) delegation.Delegation {
	d.Scope.Tiers = append([]approval.Tier(nil), d.Scope.Tiers...)
	if d.Scope.Venues != nil {
		d.Scope.Venues = append([]string(nil), d.Scope.Venues...)
	}
	return d
}

// Package engine orchestrates approval cases: it evaluates submitted
// transactions, resolves who may decide, applies transitions under a per-case
// lock and emits notifications once a transition is persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/metrics"
	"github.com/MEKXH/tollgate/internal/policy"
	"github.com/MEKXH/tollgate/internal/store"
	"github.com/MEKXH/tollgate/internal/tracing"
)

// Notifier receives events after a transition has been persisted. Calls
// must not block.
type Notifier interface {
	OnTransition(c *approval.Case, previous, next approval.State)
	OnUnassignable(c *approval.Case)
}

type nopNotifier struct{}

func (nopNotifier) OnTransition(*approval.Case, approval.State, approval.State) {}
func (nopNotifier) OnUnassignable(*approval.Case)                               {}

// Options wires the engine's collaborators. Repository, Policy and Roster are
// required.
type Options struct {
	Repository store.Repository
	Policy     policy.Policy
	Roster     delegation.RosterSource
	Windows    approval.Windows
	Notifier   Notifier
	Metrics    *metrics.Recorder
	Now        func() time.Time
	NewID      func() string
}

type policyState struct {
	policy    policy.Policy
	evaluator policy.Evaluator
}

// Engine is safe for concurrent use.
type Engine struct {
	repo     store.Repository
	roster   delegation.RosterSource
	windows  approval.Windows
	notifier Notifier
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() string

	policy atomic.Pointer[policyState]
	locks  *keyedMutex
	// delegationMu serializes revocations within this process.
	delegationMu sync.Mutex
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("engine: repository is required")
	}
	if opts.Roster == nil {
		return nil, fmt.Errorf("engine: roster source is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}

	windows := opts.Windows
	def := approval.DefaultWindows()
	if windows.Pending <= 0 {
		windows.Pending = def.Pending
	}
	if windows.PendingHigh <= 0 {
		windows.PendingHigh = def.PendingHigh
	}
	if windows.Escalated <= 0 {
		windows.Escalated = def.Escalated
	}

	e := &Engine{
		repo:     opts.Repository,
		roster:   opts.Roster,
		windows:  windows,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		locks:    newKeyedMutex(),
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.storePolicy(opts.Policy)
	return e, nil
}

// Windows returns the effective escalation windows.
func (e *Engine) Windows() approval.Windows {
	return e.windows
}

// Policy returns the policy new submissions are evaluated against.
func (e *Engine) Policy() policy.Policy {
	return e.policy.Load().policy
}

// ReloadPolicy swaps the active policy. Open cases keep the tier and
// deadline they were opened with.
func (e *Engine) ReloadPolicy(p policy.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	previous := e.Policy().Version
	e.storePolicy(p)
	slog.Info("policy reloaded", "previous_version", previous, "version", p.Version, "rules", len(p.Rules))
	return nil
}

func (e *Engine) storePolicy(p policy.Policy) {
	e.policy.Store(&policyState{policy: p, evaluator: policy.NewEvaluator(p)})
}

// Evaluate reports the requirement a transaction would receive without
// opening a case.
func (e *Engine) Evaluate(tx approval.Transaction) (approval.Requirement, error) {
	tx = normalizeTransaction(tx, e.now().UTC())
	if err := approval.ValidateTransaction(tx); err != nil {
		return approval.Requirement{}, err
	}
	return e.policy.Load().evaluator.Evaluate(tx), nil
}

// SubmitTransaction evaluates tx and opens a pending case when it needs
// approval. It returns nil, nil for transactions that need none.
// Resubmitting a transaction returns the case already opened for it.
func (e *Engine) SubmitTransaction(ctx context.Context, tx approval.Transaction) (c *approval.Case, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.submit", map[string]string{"transaction_id": tx.ID})
	defer func() { span.End(err) }()

	now := e.now().UTC()
	tx = normalizeTransaction(tx, now)
	if err := approval.ValidateTransaction(tx); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock("tx:" + tx.ID)
	defer unlock()

	existing, err := e.repo.GetCaseByTransaction(ctx, tx.ID)
	if err == nil {
		slog.Debug("transaction already has a case", "transaction_id", tx.ID, "case_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, approval.ErrNotFound) {
		return nil, fmt.Errorf("lookup case for transaction %s: %w", tx.ID, err)
	}

	req := e.policy.Load().evaluator.Evaluate(tx)
	e.metrics.RecordSubmission(string(req.Tier), req.NeedsApproval())
	if !req.NeedsApproval() {
		slog.Info("transaction needs no approval", "transaction_id", tx.ID, "amount", tx.Amount, "currency", tx.Currency)
		return nil, nil
	}

	c, err = approval.Open(e.newID(), tx, req, now, e.windows)
	if err != nil {
		return nil, err
	}
	span.WithAttributes(map[string]string{"case_id": c.ID, "tier": string(c.Tier)})

	eligible, err := e.eligible(ctx, c, now)
	if err != nil {
		return nil, err
	}
	c.Unassignable = len(eligible) == 0

	if err := e.repo.CreateCase(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return e.repo.GetCaseByTransaction(ctx, tx.ID)
		}
		return nil, fmt.Errorf("create case: %w", err)
	}

	slog.Info("case opened",
		"case_id", c.ID,
		"transaction_id", tx.ID,
		"tier", c.Tier,
		"urgency", c.Urgency,
		"rule", c.RuleID,
		"deadline", c.Deadline,
		"eligible", len(eligible),
	)
	e.metrics.RecordTransition("", string(approval.StatePending), string(approval.ActionSubmit))
	e.notifier.OnTransition(c.Clone(), "", approval.StatePending)
	if c.Unassignable {
		e.reportUnassignable(c)
	}
	return c, nil
}

// Decision is a human verdict on a case.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts approve/approved and reject/rejected.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	default:
		return "", approval.Invalid("decision", "decision must be approve or reject, got %q", s)
	}
}

func (d Decision) action() approval.Action {
	if d == DecisionReject {
		return approval.ActionReject
	}
	return approval.ActionApprove
}

// Decide records an approve or reject verdict by actorID. Rejections require
// a note. Only eligible approvers may decide; when nobody is eligible the
// case is reported as unassignable.
func (e *Engine) Decide(ctx context.Context, caseID, actorID string, decision Decision, note string) (c *approval.Case, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.decide", map[string]string{
		"case_id":  caseID,
		"actor":    actorID,
		"decision": string(decision),
	})
	defer func() { span.End(err) }()

	if decision != DecisionApprove && decision != DecisionReject {
		return nil, approval.Invalid("decision", "decision must be approve or reject, got %q", decision)
	}
	actorID = strings.TrimSpace(actorID)
	cmd := approval.Command{
		Action: decision.action(),
		Actor:  actorID,
		Note:   note,
		At:     e.now().UTC(),
	}
	if err := approval.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	return e.transition(ctx, caseID, cmd, func(current *approval.Case) error {
		roster, delegations, err := e.approverInputs(ctx, cmd.At)
		if err != nil {
			return err
		}
		pol := e.Policy()
		if len(delegation.EligibleApprovers(current, roster, delegations, pol, cmd.At)) == 0 {
			e.reportUnassignable(current)
			return &approval.UnassignableCaseError{CaseID: current.ID, Tier: current.Tier, State: current.State}
		}
		if !delegation.CanDecide(actorID, current, roster, delegations, pol, cmd.At) {
			return &approval.NotEligibleError{CaseID: current.ID, ActorID: actorID}
		}
		return nil
	})
}

// Cancel withdraws a pending case on behalf of an administrator. The case
// ends rejected with the system as actor and the reason in the note.
func (e *Engine) Cancel(ctx context.Context, caseID, actorID, note string) (c *approval.Case, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.cancel", map[string]string{"case_id": caseID, "actor": actorID})
	defer func() { span.End(err) }()

	cmd := approval.Command{
		Action: approval.ActionCancel,
		Actor:  strings.TrimSpace(actorID),
		Note:   note,
		At:     e.now().UTC(),
	}
	if err := approval.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	return e.transition(ctx, caseID, cmd, nil)
}

// Timeout escalates a pending case or expires an escalated one whose
// deadline has passed. Cases not yet due return a ValidationError and
// closed cases a StaleStateError, so repeated scans are harmless.
func (e *Engine) Timeout(ctx context.Context, caseID string) (c *approval.Case, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.timeout", map[string]string{"case_id": caseID})
	defer func() { span.End(err) }()

	cmd := approval.Command{Action: approval.ActionTimeout, At: e.now().UTC()}
	return e.transition(ctx, caseID, cmd, nil)
}

// transition loads the case under its lock, runs guard, applies cmd and
// persists the result with an optimistic version check.
func (e *Engine) transition(ctx context.Context, caseID string, cmd approval.Command, guard func(*approval.Case) error) (*approval.Case, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, approval.Invalid("case_id", "case id is required")
	}

	unlock := e.locks.Lock("case:" + caseID)
	defer unlock()

	current, err := e.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	if _, ok := approval.Next(current.State, cmd.Action); !ok {
		return nil, &approval.StaleStateError{CaseID: current.ID, Current: current.State, Action: cmd.Action}
	}
	if guard != nil {
		if err := guard(current); err != nil {
			return nil, err
		}
	}

	next, err := approval.Apply(current, cmd, e.windows)
	if err != nil {
		return nil, err
	}
	if next.State == approval.StateEscalated {
		eligible, err := e.eligible(ctx, next, cmd.At)
		if err != nil {
			return nil, err
		}
		next.Unassignable = len(eligible) == 0
	}

	if err := e.repo.UpdateCase(ctx, next, current.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			state := current.State
			if fresh, getErr := e.repo.GetCase(ctx, caseID); getErr == nil {
				state = fresh.State
			}
			return nil, &approval.StaleStateError{CaseID: caseID, Current: state, Action: cmd.Action}
		}
		return nil, fmt.Errorf("update case %s: %w", caseID, err)
	}

	entry, _ := next.LastEntry()
	slog.Info("case transition",
		"case_id", next.ID,
		"from", current.State,
		"to", next.State,
		"action", cmd.Action,
		"actor", entry.Actor,
		"seq", entry.Seq,
	)
	e.metrics.RecordTransition(string(current.State), string(next.State), string(cmd.Action))
	e.notifier.OnTransition(next.Clone(), current.State, next.State)
	if next.State == approval.StateEscalated && next.Unassignable {
		e.reportUnassignable(next)
	}
	return next, nil
}

func (e *Engine) reportUnassignable(c *approval.Case) {
	slog.Warn("case has no eligible approver", "case_id", c.ID, "tier", c.Tier, "state", c.State)
	e.metrics.RecordUnassignable()
	e.notifier.OnUnassignable(c.Clone())
}

// Get returns a case by id.
func (e *Engine) Get(ctx context.Context, caseID string) (*approval.Case, error) {
	c, err := e.repo.GetCase(ctx, strings.TrimSpace(caseID))
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	return c, nil
}

// GetByTransaction returns the case opened for a transaction.
func (e *Engine) GetByTransaction(ctx context.Context, transactionID string) (*approval.Case, error) {
	c, err := e.repo.GetCaseByTransaction(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	return c, nil
}

// History returns the ordered decision history of a case.
func (e *Engine) History(ctx context.Context, caseID string) ([]approval.HistoryEntry, error) {
	c, err := e.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.History, nil
}

// ListCases returns cases matching q, oldest first.
func (e *Engine) ListCases(ctx context.Context, q approval.Query) ([]*approval.Case, error) {
	return e.repo.ListCases(ctx, q)
}

// ListPending returns open cases matching q. States in q are ignored.
func (e *Engine) ListPending(ctx context.Context, q approval.Query) ([]*approval.Case, error) {
	q.States = []approval.State{approval.StatePending, approval.StateEscalated}
	return e.repo.ListCases(ctx, q)
}

// DueCases returns open cases whose deadline is before at.
func (e *Engine) DueCases(ctx context.Context, at time.Time) ([]*approval.Case, error) {
	return e.ListPending(ctx, approval.Query{DueBefore: at})
}

// EligibleApprovers returns who may currently decide on a case.
func (e *Engine) EligibleApprovers(ctx context.Context, caseID string) ([]string, error) {
	c, err := e.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return e.eligible(ctx, c, e.now().UTC())
}

// OpenCounts returns the number of open cases per state.
func (e *Engine) OpenCounts(ctx context.Context) (map[string]int, error) {
	open, err := e.ListPending(ctx, approval.Query{})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{
		string(approval.StatePending):   0,
		string(approval.StateEscalated): 0,
	}
	for _, c := range open {
		counts[string(c.State)]++
	}
	return counts, nil
}

func (e *Engine) eligible(ctx context.Context, c *approval.Case, at time.Time) ([]string, error) {
	roster, delegations, err := e.approverInputs(ctx, at)
	if err != nil {
		return nil, err
	}
	return delegation.EligibleApprovers(c, roster, delegations, e.Policy(), at), nil
}

// approverInputs loads the roster and the delegations live at at.
func (e *Engine) approverInputs(ctx context.Context, at time.Time) (delegation.Roster, []delegation.Delegation, error) {
	roster, err := e.roster.Roster(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load roster: %w", err)
	}
	delegations, err := e.repo.ListDelegations(ctx, delegation.Query{LiveAt: at})
	if err != nil {
		return nil, nil, fmt.Errorf("list delegations: %w", err)
	}
	return roster, delegations, nil
}

func normalizeTransaction(tx approval.Transaction, now time.Time) approval.Transaction {
	tx.ID = strings.TrimSpace(tx.ID)
	tx.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	tx.Venue = strings.TrimSpace(tx.Venue)
	tx.UserID = strings.TrimSpace(tx.UserID)
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	tx.Timestamp = tx.Timestamp.UTC()
	if len(tx.RiskFlags) > 0 {
		flags := make([]string, 0, len(tx.RiskFlags))
		for _, f := range tx.RiskFlags {
			if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
				flags = append(flags, f)
			}
		}
		sort.Strings(flags)
		tx.RiskFlags = flags
	}
	return tx
}

// Notifiers fans events out to several notifiers in order.
type Notifiers []Notifier

func (n Notifiers) OnTransition(c *approval.Case, previous, next approval.State) {
	for _, x := range n {
		x.OnTransition(c, previous, next)
	}
}

func (n Notifiers) OnUnassignable(c *approval.Case) {
	for _, x := range n {
		x.OnUnassignable(c)
	}
}

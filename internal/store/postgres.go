package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres stores cases, their history and delegations in PostgreSQL. History
// rows are insert-only; a case row carries a version used for optimistic
// concurrency.
type Postgres struct {
	db *pgxpool.Pool
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage requires a dsn")
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &Postgres{db: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func (p *Postgres) inTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CreateCase(ctx context.Context, c *approval.Case) error {
	txJSON, err := json.Marshal(c.Transaction)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	return p.inTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_cases
			    (id, transaction_id, transaction, venue, tier, urgency,
			     policy_version, rule_id, state, created_at, deadline,
			     escalated_at, closed_at, unassignable, version)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10, $11,
			        $12, $13, $14, $15)
		`,
			c.ID, c.Transaction.ID, txJSON, c.Transaction.Venue, string(c.Tier), string(c.Urgency),
			c.PolicyVersion, c.RuleID, string(c.State), c.CreatedAt, c.Deadline,
			nullTime(c.EscalatedAt), nullTime(c.ClosedAt), c.Unassignable, c.Version,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrDuplicate
			}
			return fmt.Errorf("insert case: %w", err)
		}
		return insertHistory(ctx, tx, c.ID, c.History)
	})
}

func (p *Postgres) UpdateCase(ctx context.Context, c *approval.Case, expectedVersion int) error {
	if len(c.History) < expectedVersion {
		return ErrHistoryRewrite
	}

	return p.inTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approval_cases
			SET state        = $3,
			    deadline     = $4,
			    escalated_at = $5,
			    closed_at    = $6,
			    unassignable = $7,
			    version      = $8
			WHERE id = $1 AND version = $2
		`,
			c.ID, expectedVersion, string(c.State), c.Deadline,
			nullTime(c.EscalatedAt), nullTime(c.ClosedAt), c.Unassignable, c.Version,
		)
		if err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM approval_cases WHERE id = $1)", c.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check case: %w", err)
			}
			if !exists {
				return approval.ErrNotFound
			}
			return ErrVersionConflict
		}
		return insertHistory(ctx, tx, c.ID, c.History[expectedVersion:])
	})
}

func insertHistory(ctx context.Context, tx pgx.Tx, caseID string, entries []approval.HistoryEntry) error {
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_history (case_id, seq, actor, action, from_state, to_state, note, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, caseID, e.Seq, e.Actor, string(e.Action), string(e.From), string(e.To), e.Note, e.At)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrHistoryRewrite
			}
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

const caseColumns = `
	id, transaction, tier, urgency, policy_version, rule_id, state,
	created_at, deadline, escalated_at, closed_at, unassignable, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*approval.Case, error) {
	var (
		c                     approval.Case
		txJSON                []byte
		tier, urgency, state  string
		escalatedAt, closedAt *time.Time
	)
	err := row.Scan(
		&c.ID, &txJSON, &tier, &urgency, &c.PolicyVersion, &c.RuleID, &state,
		&c.CreatedAt, &c.Deadline, &escalatedAt, &closedAt, &c.Unassignable, &c.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(txJSON, &c.Transaction); err != nil {
		return nil, fmt.Errorf("decode transaction for case %s: %w", c.ID, err)
	}
	c.Tier = approval.Tier(tier)
	c.Urgency = approval.Urgency(urgency)
	c.State = approval.State(state)
	c.CreatedAt = c.CreatedAt.UTC()
	c.Deadline = c.Deadline.UTC()
	if escalatedAt != nil {
		c.EscalatedAt = escalatedAt.UTC()
	}
	if closedAt != nil {
		c.ClosedAt = closedAt.UTC()
	}
	return &c, nil
}

func (p *Postgres) GetCase(ctx context.Context, id string) (*approval.Case, error) {
	return p.getCase(ctx, "SELECT "+caseColumns+" FROM approval_cases WHERE id = $1", id)
}

func (p *Postgres) GetCaseByTransaction(ctx context.Context, transactionID string) (*approval.Case, error) {
	return p.getCase(ctx, "SELECT "+caseColumns+" FROM approval_cases WHERE transaction_id = $1", transactionID)
}

func (p *Postgres) getCase(ctx context.Context, query string, arg string) (*approval.Case, error) {
	c, err := scanCase(p.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if err := p.attachHistory(ctx, []*approval.Case{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Postgres) ListCases(ctx context.Context, q approval.Query) ([]*approval.Case, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.States) > 0 {
		states := make([]string, 0, len(q.States))
		for _, s := range q.States {
			states = append(states, string(s))
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}
	if q.Tier != "" {
		where = append(where, "tier = "+arg(string(q.Tier)))
	}
	if v := strings.TrimSpace(q.Venue); v != "" {
		where = append(where, "lower(venue) = lower("+arg(v)+")")
	}
	if id := strings.TrimSpace(q.TransactionID); id != "" {
		where = append(where, "transaction_id = "+arg(id))
	}
	if !q.DueBefore.IsZero() {
		where = append(where, "deadline < "+arg(q.DueBefore))
	}
	if q.Unassignable {
		where = append(where, "unassignable")
	}

	query := "SELECT " + caseColumns + " FROM approval_cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	cases := make([]*approval.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	if err := p.attachHistory(ctx, cases); err != nil {
		return nil, err
	}
	return cases, nil
}

func (p *Postgres) attachHistory(ctx context.Context, cases []*approval.Case) error {
	if len(cases) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cases))
	index := make(map[string]*approval.Case, len(cases))
	for _, c := range cases {
		ids = append(ids, c.ID)
		index[c.ID] = c
		c.History = []approval.HistoryEntry{}
	}

	rows, err := p.db.Query(ctx, `
		SELECT case_id, seq, actor, action, from_state, to_state, note, at
		FROM approval_history
		WHERE case_id = ANY($1)
		ORDER BY case_id, seq
	`, ids)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			caseID, action, from, to string
			e                        approval.HistoryEntry
		)
		if err := rows.Scan(&caseID, &e.Seq, &e.Actor, &action, &from, &to, &e.Note, &e.At); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		e.Action = approval.Action(action)
		e.From = approval.State(from)
		e.To = approval.State(to)
		e.At = e.At.UTC()
		if c, ok := index[caseID]; ok {
			c.History = append(c.History, e)
		}
	}
	return rows.Err()
}

// delegationLockKey serializes delegation inserts. Chain checks span
// grantors, so a single transaction-scoped advisory lock covers them all.
const delegationLockKey = "tollgate.delegations"

func (p *Postgres) CreateDelegation(ctx context.Context, d delegation.Delegation, check DelegationCheck) error {
	return p.inTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", delegationLockKey); err != nil {
			return fmt.Errorf("lock delegations: %w", err)
		}
		if check != nil {
			existing, err := queryDelegations(ctx, tx)
			if err != nil {
				return err
			}
			if err := check(existing); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO delegations
			    (id, grantor, grantee, tiers, venues, starts_at, ends_at,
			     reason, created_by, created_at, revoked_at, revoked_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			d.ID, d.Grantor, d.Grantee, tierStrings(d.Scope.Tiers), nonNil(d.Scope.Venues),
			d.Window.Start, d.Window.End, d.Reason, d.CreatedBy, d.CreatedAt,
			nullTime(d.RevokedAt), d.RevokedBy,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrDuplicate
			}
			return fmt.Errorf("insert delegation: %w", err)
		}
		return nil
	})
}

func (p *Postgres) UpdateDelegation(ctx context.Context, d delegation.Delegation) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE delegations
		SET revoked_at = $2,
		    revoked_by = $3
		WHERE id = $1
	`, d.ID, nullTime(d.RevokedAt), d.RevokedBy)
	if err != nil {
		return fmt.Errorf("update delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return approval.ErrNotFound
	}
	return nil
}

const delegationColumns = `
	id, grantor, grantee, tiers, venues, starts_at, ends_at,
	reason, created_by, created_at, revoked_at, revoked_by`

func scanDelegation(row rowScanner) (delegation.Delegation, error) {
	var (
		d         delegation.Delegation
		tiers     []string
		venues    []string
		revokedAt *time.Time
	)
	err := row.Scan(
		&d.ID, &d.Grantor, &d.Grantee, &tiers, &venues, &d.Window.Start, &d.Window.End,
		&d.Reason, &d.CreatedBy, &d.CreatedAt, &revokedAt, &d.RevokedBy,
	)
	if err != nil {
		return delegation.Delegation{}, err
	}
	for _, t := range tiers {
		d.Scope.Tiers = append(d.Scope.Tiers, approval.Tier(t))
	}
	if len(venues) > 0 {
		d.Scope.Venues = venues
	}
	d.Window.Start = d.Window.Start.UTC()
	d.Window.End = d.Window.End.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	if revokedAt != nil {
		d.RevokedAt = revokedAt.UTC()
	}
	return d, nil
}

func (p *Postgres) GetDelegation(ctx context.Context, id string) (delegation.Delegation, error) {
	d, err := scanDelegation(p.db.QueryRow(ctx, "SELECT "+delegationColumns+" FROM delegations WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delegation.Delegation{}, approval.ErrNotFound
	}
	if err != nil {
		return delegation.Delegation{}, fmt.Errorf("get delegation: %w", err)
	}
	return d, nil
}

func (p *Postgres) ListDelegations(ctx context.Context, q delegation.Query) ([]delegation.Delegation, error) {
	all, err := queryDelegations(ctx, p.db)
	if err != nil {
		return nil, err
	}
	out := make([]delegation.Delegation, 0, len(all))
	for _, d := range all {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

type delegationQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryDelegations(ctx context.Context, db delegationQuerier) ([]delegation.Delegation, error) {
	rows, err := db.Query(ctx, "SELECT "+delegationColumns+" FROM delegations ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	out := make([]delegation.Delegation, 0)
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func tierStrings(tiers []approval.Tier) []string {
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, string(t))
	}
	return out
}

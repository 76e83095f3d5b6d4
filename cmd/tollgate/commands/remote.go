package commands

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/status"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/engine"
	"github.com/MEKXH/tollgate/internal/requestid"
	"github.com/MEKXH/tollgate/internal/rpc"
)

var serverAddr string

// remote is a running tollgate server reached over gRPC. Commands that
// accept --server use it instead of opening the store themselves.
type remote struct {
	client *rpc.Client
}

// dialServer returns nil when --server is unset.
func dialServer() (*remote, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		return nil, nil
	}
	client, err := rpc.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial server %s: %w", addr, err)
	}
	return &remote{client: client}, nil
}

func (r *remote) Close() {
	_ = r.client.Close()
}

func (r *remote) submit(ctx context.Context, tx approval.Transaction) (*approval.Case, error) {
	res, err := r.client.Submit(remoteContext(ctx), tx)
	if err != nil {
		return nil, remoteError(err)
	}
	if !res.RequiresApproval {
		return nil, nil
	}
	return res.Case, nil
}

func (r *remote) decide(ctx context.Context, caseID, actor string, decision engine.Decision, note string) (*approval.Case, error) {
	c, err := r.client.Decide(remoteContext(ctx), caseID, actor, string(decision), note)
	if err != nil {
		return nil, remoteError(err)
	}
	return c, nil
}

// listOpen serves `case list`. The server only lists open cases, so state
// filters other than the open states are refused.
func (r *remote) listOpen(ctx context.Context, q approval.Query) ([]*approval.Case, error) {
	for _, s := range q.States {
		if !s.IsOpen() {
			return nil, fmt.Errorf("--server lists open cases only; drop --state %s or --all", s)
		}
	}
	cases, err := r.client.ListPending(remoteContext(ctx), rpc.PendingFilter{
		Tier:         string(q.Tier),
		Venue:        q.Venue,
		Unassignable: q.Unassignable,
		Limit:        q.Limit,
	})
	if err != nil {
		return nil, remoteError(err)
	}
	if len(q.States) == 1 {
		filtered := cases[:0]
		for _, c := range cases {
			if c.State == q.States[0] {
				filtered = append(filtered, c)
			}
		}
		cases = filtered
	}
	return cases, nil
}

func remoteContext(ctx context.Context) context.Context {
	if requestid.From(ctx) != "" {
		return ctx
	}
	return requestid.With(ctx, requestid.New())
}

func remoteError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("server: %s", st.Message())
	}
	return err
}

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/requestid"
)

// Client calls a remote tollgate.v1.Approvals service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardRequestID),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitResult is the decoded Submit response.
type SubmitResult struct {
	RequiresApproval bool           `json:"requires_approval"`
	Case             *approval.Case `json:"case,omitempty"`
}

func (c *Client) Submit(ctx context.Context, tx approval.Transaction) (SubmitResult, error) {
	var out SubmitResult
	err := c.call(ctx, "Submit", tx, &out)
	return out, err
}

func (c *Client) Decide(ctx context.Context, caseID, actor, decision, note string) (*approval.Case, error) {
	var out struct {
		Case *approval.Case `json:"case"`
	}
	err := c.call(ctx, "Decide", map[string]any{
		"case_id":  caseID,
		"actor":    actor,
		"decision": decision,
		"note":     note,
	}, &out)
	return out.Case, err
}

// PendingFilter narrows ListPending.
type PendingFilter struct {
	Tier         string `json:"tier,omitempty"`
	Venue        string `json:"venue,omitempty"`
	Unassignable bool   `json:"unassignable,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (c *Client) ListPending(ctx context.Context, f PendingFilter) ([]*approval.Case, error) {
	var out struct {
		Cases []*approval.Case `json:"cases"`
	}
	err := c.call(ctx, "ListPending", f, &out)
	return out.Cases, err
}

func (c *Client) History(ctx context.Context, caseID string) ([]approval.HistoryEntry, error) {
	var out struct {
		History []approval.HistoryEntry `json:"history"`
	}
	err := c.call(ctx, "History", map[string]any{"case_id": caseID}, &out)
	return out.History, err
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := encodeStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	return decodeStruct(resp, out)
}

func forwardRequestID(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if rid := requestid.From(ctx); rid != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDKey, rid)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

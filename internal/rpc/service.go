// Package rpc serves the approval engine over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// gateway, so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/engine"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tollgate.v1.Approvals"

// Engine is the part of the approval engine exposed over gRPC.
type Engine interface {
	SubmitTransaction(ctx context.Context, tx approval.Transaction) (*approval.Case, error)
	Decide(ctx context.Context, caseID, actorID string, decision engine.Decision, note string) (*approval.Case, error)
	ListPending(ctx context.Context, q approval.Query) ([]*approval.Case, error)
	History(ctx context.Context, caseID string) ([]approval.HistoryEntry, error)
}

// ApprovalsServer is implemented by Service and registered through
// ServiceDesc.
type ApprovalsServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Service adapts Engine to ApprovalsServer.
type Service struct {
	engine Engine
}

func NewService(eng Engine) *Service {
	return &Service{engine: eng}
}

// Submit takes a transaction object and returns
// {requires_approval, case?}.
func (s *Service) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var tx approval.Transaction
	if err := decodeStruct(req, &tx); err != nil {
		return nil, err
	}
	c, err := s.engine.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{"requires_approval": c != nil}
	if c != nil {
		out["case"] = c
	}
	return encodeStruct(out)
}

// Decide takes {case_id, actor, decision, note} and returns {case}.
func (s *Service) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		CaseID   string `json:"case_id"`
		Actor    string `json:"actor"`
		Decision string `json:"decision"`
		Note     string `json:"note"`
	}
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	decision, err := engine.ParseDecision(in.Decision)
	if err != nil {
		return nil, toStatus(err)
	}
	c, err := s.engine.Decide(ctx, in.CaseID, in.Actor, decision, in.Note)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(map[string]any{"case": c})
}

// ListPending takes optional {tier, venue, unassignable, limit} filters and
// returns {cases, count}.
func (s *Service) ListPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Tier         string `json:"tier"`
		Venue        string `json:"venue"`
		Unassignable bool   `json:"unassignable"`
		Limit        int    `json:"limit"`
	}
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	q := approval.Query{Venue: in.Venue, Unassignable: in.Unassignable, Limit: in.Limit}
	if in.Tier != "" {
		tier, ok := approval.ParseTier(in.Tier)
		if !ok {
			return nil, toStatus(approval.Invalid("tier", "unknown tier %q", in.Tier))
		}
		q.Tier = tier
	}
	cases, err := s.engine.ListPending(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	if cases == nil {
		cases = []*approval.Case{}
	}
	return encodeStruct(map[string]any{"cases": cases, "count": len(cases)})
}

// History takes {case_id} and returns {case_id, history}.
func (s *Service) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		CaseID string `json:"case_id"`
	}
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	entries, err := s.engine.History(ctx, in.CaseID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(map[string]any{"case_id": in.CaseID, "history": entries})
}

// ServiceDesc describes tollgate.v1.Approvals for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", ApprovalsServer.Submit)},
		{MethodName: "Decide", Handler: unaryHandler("Decide", ApprovalsServer.Decide)},
		{MethodName: "ListPending", Handler: unaryHandler("ListPending", ApprovalsServer.ListPending)},
		{MethodName: "History", Handler: unaryHandler("History", ApprovalsServer.History)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tollgate/v1/approvals.proto",
}

// RegisterApprovalsServer registers srv on s.
func RegisterApprovalsServer(s grpc.ServiceRegistrar, srv ApprovalsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type methodFunc func(ApprovalsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call methodFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// decodeStruct maps a Struct onto a JSON-tagged Go value.
func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return toStatus(approval.Invalid("request", "unreadable request: %v", err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return toStatus(approval.Invalid("request", "malformed request: %v", err))
	}
	return nil
}

// encodeStruct converts a JSON-tagged Go value into a Struct.
func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// Package grpc serves a read-only query API over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API, so no generated code is needed.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eds.v1.Query"

// QueryServer is the query service.
type QueryServer interface {
	// GetDistribution takes {distributor, id | alias}.
	GetDistribution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetApp takes {distributor, app_id}.
	GetApp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ResolveRelease takes {repository, requirement}; an empty
	// requirement resolves the latest release.
	ResolveRelease(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes QueryServer to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDistribution", Handler: unary("GetDistribution", QueryServer.GetDistribution)},
		{MethodName: "GetApp", Handler: unary("GetApp", QueryServer.GetApp)},
		{MethodName: "ResolveRelease", Handler: unary("ResolveRelease", QueryServer.ResolveRelease)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eds/v1/query.proto",
}

type method func(QueryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m method) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(QueryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return m(srv.(QueryServer), ctx, req.(*structpb.Struct))
		})
	}
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Server answers queries against one node.
type Server struct {
	node   *node.Node
	logger *slog.Logger
}

var _ QueryServer = (*Server)(nil)

// NewServer creates a query server.
func NewServer(n *node.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: n, logger: logger.With("component", "grpc")}
}

// GetDistribution implements QueryServer.
func (s *Server) GetDistribution(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.distributor(ctx, in)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	var id types.Hash
	if raw := str(in, "id"); raw != "" {
		if id, err = types.ParseHash(raw); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid id %q", raw)
		}
	} else if alias := str(in, "alias"); alias != "" {
		if id, err = d.GetIDFromAlias(ctx, alias); err != nil {
			return nil, s.toStatus(ctx, err)
		}
	} else {
		return nil, status.Error(codes.InvalidArgument, "id or alias is required")
	}
	dist, err := d.GetDistribution(ctx, id)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(dist)
}

// GetApp implements QueryServer.
func (s *Server) GetApp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.distributor(ctx, in)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	v, ok := in.GetFields()["app_id"]
	if !ok || v.GetNumberValue() < 1 {
		return nil, status.Error(codes.InvalidArgument, "app_id is required")
	}
	app, err := d.GetApp(ctx, uint64(v.GetNumberValue()))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(app)
}

// ResolveRelease implements QueryServer.
func (s *Server) ResolveRelease(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := types.ParseAddress(str(in, "repository"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid repository")
	}
	req := semver.Requirement{Kind: semver.Any}
	if raw := str(in, "requirement"); raw != "" {
		if req, err = semver.ParseRequirement(raw); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid requirement %q", raw)
		}
	}
	repo, err := s.node.Repository(addr)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	rel, err := repo.Get(ctx, req)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(rel)
}

// distributor resolves the "distributor" field; empty or "home" names the
// node's bootstrapped distributor.
func (s *Server) distributor(ctx context.Context, in *structpb.Struct) (*distributor.Distributor, error) {
	raw := str(in, "distributor")
	if raw == "" || raw == "home" {
		addr := s.node.HomeDistributor()
		if addr.IsZero() {
			return nil, ederrors.NewValidationError("node has no home distributor")
		}
		return s.node.Distributor(ctx, addr)
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return nil, ederrors.NewValidationError(fmt.Sprintf("invalid distributor %q", raw))
	}
	return s.node.Distributor(ctx, addr)
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// toStruct converts v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// Code maps an error to its gRPC status code.
func Code(err error) codes.Code {
	var execErr *ledger.ExecutionError
	if errors.As(err, &execErr) && ederrors.GetCategory(err) == "" {
		return codes.FailedPrecondition
	}
	switch ederrors.GetCode(err) {
	case ederrors.CodeVersionDoesNotExist, ederrors.CodeMajorVersionDoesNotExist, ederrors.CodeMigrationContractNotFound:
		return codes.NotFound
	}
	switch ederrors.GetCategory(err) {
	case ederrors.ErrCategoryLookup:
		return codes.NotFound
	case ederrors.ErrCategoryUniqueness:
		return codes.AlreadyExists
	case ederrors.ErrCategoryAuthorization:
		return codes.PermissionDenied
	case ederrors.ErrCategoryLedger, ederrors.ErrCategoryVersion, ederrors.ErrCategoryMigration, ederrors.ErrCategoryExecution:
		return codes.FailedPrecondition
	case ederrors.ErrCategoryValidation:
		return codes.InvalidArgument
	case ederrors.ErrCategoryStorage:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (s *Server) toStatus(ctx context.Context, err error) error {
	code := Code(err)
	if code == codes.Internal {
		s.logger.Error("query failed", "request_id", requestID(ctx), "error", err)
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// requestID returns the caller's x-request-id metadata or a fresh id.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-request-id"); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}

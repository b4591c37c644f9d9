package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/notify"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "filedrop.admin.v1.AdminService"

// AdminServer is the admin service. Requests and responses are protobuf
// well-known types, so no generated code is involved.
type AdminServer interface {
	// RunExpirySweep deletes every expired file now and returns the count.
	RunExpirySweep(ctx context.Context, in *emptypb.Empty) (*wrapperspb.Int64Value, error)
	// RevokeToken deletes the share token with the given id.
	RevokeToken(ctx context.Context, in *wrapperspb.Int64Value) (*emptypb.Empty, error)
	// ListTokens returns the share tokens of the file with the given
	// external id.
	ListTokens(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error)
	GetSettings(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	// UpdateSettings merges in onto the live settings and returns the
	// result. Fields missing from in keep their current values.
	UpdateSettings(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	// SendTestNotification sends a test message through the named sink.
	SendTestNotification(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(AdminServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newInt64() *wrapperspb.Int64Value   { return &wrapperspb.Int64Value{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newStruct() *structpb.Struct        { return &structpb.Struct{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RunExpirySweep", newEmpty, AdminServer.RunExpirySweep),
		unary("RevokeToken", newInt64, AdminServer.RevokeToken),
		unary("ListTokens", newString, AdminServer.ListTokens),
		unary("GetSettings", newEmpty, AdminServer.GetSettings),
		unary("UpdateSettings", newStruct, AdminServer.UpdateSettings),
		unary("SendTestNotification", newString, AdminServer.SendTestNotification),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterAdminServer(r grpc.ServiceRegistrar, s AdminServer) {
	r.RegisterService(&serviceDesc, s)
}

func (s *GRPCServer) RunExpirySweep(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := s.Sweeper.RunExpirySweepNow(ctx)
	if err != nil {
		s.logger.Error(ctx, "manual expiry sweep had failures", "deleted", n, "error", err)
		return nil, status.Errorf(codes.Internal, "sweep finished with errors after deleting %d files", n)
	}
	return wrapperspb.Int64(int64(n)), nil
}

func (s *GRPCServer) RevokeToken(ctx context.Context, in *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if in.GetValue() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "token id must be positive")
	}
	if err := s.Shares.Revoke(ctx, in.GetValue()); err != nil {
		return nil, s.fail(ctx, "RevokeToken", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) ListTokens(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "file id is required")
	}
	tokens, err := s.Shares.ListForFile(ctx, in.GetValue())
	if err != nil {
		return nil, s.fail(ctx, "ListTokens", err)
	}

	items := make([]any, 0, len(tokens))
	for _, t := range tokens {
		items = append(items, tokenView(t))
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, s.fail(ctx, "ListTokens", err)
	}
	return list, nil
}

// tokenView flattens a share token into values structpb accepts.
func tokenView(t *models.ShareToken) map[string]any {
	v := map[string]any{
		"id":         t.ID,
		"mode":       string(t.Mode()),
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch k := t.Key.(type) {
	case models.LegacyToken:
		v["token"] = k.Raw
	case models.SplitToken:
		v["public_id"] = k.PublicID
	}
	if t.ExpirationDate != nil {
		v["expiration_date"] = t.ExpirationDate.Format(time.DateOnly)
	}
	if t.RemainingDownloads != nil {
		v["remaining_downloads"] = *t.RemainingDownloads
	}
	return v
}

func (s *GRPCServer) GetSettings(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := settingsStruct(s.Settings.Current())
	if err != nil {
		return nil, s.fail(ctx, "GetSettings", err)
	}
	return out, nil
}

func (s *GRPCServer) UpdateSettings(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	patch, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad settings")
	}
	next := s.Settings.Current()
	if err := json.Unmarshal(patch, &next); err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad settings")
	}
	if err := s.Settings.Update(ctx, next); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.GetSettings(ctx, nil)
}

func (s *GRPCServer) SendTestNotification(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	sink := in.GetValue()
	if err := s.Notifier.SendTest(ctx, sink); err != nil {
		if errors.Is(err, notify.ErrSinkNotConfigured) {
			return nil, toStatus(err)
		}
		s.logger.Warn(ctx, "test notification failed", "sink", sink, "error", err)
		return nil, status.Error(codes.Unavailable, "delivery failed: "+err.Error())
	}
	return &emptypb.Empty{}, nil
}

func settingsStruct(snap settings.Snapshot) (*structpb.Struct, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return out, nil
}

// fail logs errors that map to Internal and converts err to a status.
func (s *GRPCServer) fail(ctx context.Context, method string, err error) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		s.logger.Error(ctx, "admin call failed", "method", method, "error", err)
	}
	return st
}

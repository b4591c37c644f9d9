package grpc

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminClient calls the admin service with a fixed bearer token.
type AdminClient struct {
	cc    grpc.ClientConnInterface
	token string
}

func NewAdminClient(cc grpc.ClientConnInterface, token string) *AdminClient {
	return &AdminClient{cc: cc, token: token}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+c.token)
	}
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}

func (c *AdminClient) RunExpirySweep(ctx context.Context, opts ...grpc.CallOption) (int64, error) {
	out := &wrapperspb.Int64Value{}
	if err := c.invoke(ctx, "RunExpirySweep", &emptypb.Empty{}, out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *AdminClient) RevokeToken(ctx context.Context, tokenID int64, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "RevokeToken", wrapperspb.Int64(tokenID), &emptypb.Empty{}, opts...)
}

// ListTokens returns the share tokens of a file as generic maps.
func (c *AdminClient) ListTokens(ctx context.Context, fileID string, opts ...grpc.CallOption) ([]any, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListTokens", wrapperspb.String(fileID), out, opts...); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

func (c *AdminClient) GetSettings(ctx context.Context, opts ...grpc.CallOption) (settings.Snapshot, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "GetSettings", &emptypb.Empty{}, out, opts...); err != nil {
		return settings.Snapshot{}, err
	}
	return snapshotFrom(out)
}

// UpdateSettings sends a partial settings document, e.g.
// {"max_file_lifetime_days": 7}, and returns the settings now in force.
func (c *AdminClient) UpdateSettings(ctx context.Context, patch map[string]any, opts ...grpc.CallOption) (settings.Snapshot, error) {
	in, err := structpb.NewStruct(patch)
	if err != nil {
		return settings.Snapshot{}, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "UpdateSettings", in, out, opts...); err != nil {
		return settings.Snapshot{}, err
	}
	return snapshotFrom(out)
}

func (c *AdminClient) SendTestNotification(ctx context.Context, sink string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "SendTestNotification", wrapperspb.String(sink), &emptypb.Empty{}, opts...)
}

func snapshotFrom(s *structpb.Struct) (settings.Snapshot, error) {
	var snap settings.Snapshot
	b, err := s.MarshalJSON()
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

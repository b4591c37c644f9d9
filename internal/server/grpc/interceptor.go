package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// authorizationKey is the metadata key of the admin bearer token. gRPC
// metadata keys are lower case.
var authorizationKey = strings.ToLower(common.AuthorizationHeaderName)

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(authorizationKey); len(values) > 0 {
			accessToken, _ = strings.CutPrefix(values[0], "Bearer ")
			accessToken = strings.TrimSpace(accessToken)
		}
	}
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	subject, err := auth.GetSubjectFromToken(accessToken, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	s.logger.Debug(ctx, "admin call", "method", info.FullMethod, "subject", subject)
	return handler(auth.NewContext(ctx, subject), req)
}

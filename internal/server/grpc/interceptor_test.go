package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// helper to build server
func newTestServer(secret string) *GRPCServer {
	return NewGRPCServer("", logging.Nop(), Deps{}, secret)
}

var sweepInfo = &grpc.UnaryServerInfo{FullMethod: fullMethod("RunExpirySweep")}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.NewIncomingContext(ctx, metadata.Pairs(authorizationKey, "Bearer "+token))
}

func TestInterceptor_MissingToken(t *testing.T) {
	s := newTestServer("secret")

	h := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called when token missing")
		return nil, nil
	}

	_, err := s.accessTokenInterceptor(context.Background(), nil, sweepInfo, h)
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
	if status.Convert(err).Message() != "missing token" {
		t.Fatalf("expected 'missing token', got %q", status.Convert(err).Message())
	}
}

func TestInterceptor_NonBearerValueIsMissing(t *testing.T) {
	s := newTestServer("secret")
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(authorizationKey, "Bearer   "))

	_, err := s.accessTokenInterceptor(ctx, nil, sweepInfo, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called")
		return nil, nil
	})
	if status.Convert(err).Message() != "missing token" {
		t.Fatalf("expected 'missing token', got %v", err)
	}
}

func TestInterceptor_InvalidToken(t *testing.T) {
	s := newTestServer("secret")
	ctx := withBearer(context.Background(), "not-a-valid-jwt")

	_, err := s.accessTokenInterceptor(ctx, nil, sweepInfo, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called on invalid token")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
	if status.Convert(err).Message() != "invalid token" {
		t.Fatalf("expected 'invalid token', got %q", status.Convert(err).Message())
	}
}

func TestInterceptor_WrongSecret(t *testing.T) {
	s := newTestServer("secret")
	tok, err := auth.GenerateToken("ops", []byte("other-secret"), time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	_, err = s.accessTokenInterceptor(withBearer(context.Background(), tok), nil, sweepInfo, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called with a foreign token")
		return nil, nil
	})
	if status.Convert(err).Message() != "invalid token" {
		t.Fatalf("expected 'invalid token', got %v", err)
	}
}

func TestInterceptor_ExpiredToken(t *testing.T) {
	s := newTestServer("secret")
	tok, err := auth.GenerateToken("ops", []byte("secret"), -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	_, err = s.accessTokenInterceptor(withBearer(context.Background(), tok), nil, sweepInfo, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called with an expired token")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
	if status.Convert(err).Message() != "token expired" {
		t.Fatalf("expected 'token expired', got %q", status.Convert(err).Message())
	}
}

func TestInterceptor_ValidToken_PutsSubjectInContext(t *testing.T) {
	s := newTestServer("secret")
	tok, err := auth.GenerateToken("ops", []byte("secret"), time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	called := false
	resp, err := s.accessTokenInterceptor(withBearer(context.Background(), tok), "req", sweepInfo, func(ctx context.Context, req any) (any, error) {
		called = true
		subject, ok := auth.SubjectFromContext(ctx)
		if !ok || subject != "ops" {
			t.Fatalf("subject = %q, %v", subject, ok)
		}
		return req, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
	if resp != "req" {
		t.Fatalf("unexpected handler resp: %v", resp)
	}
}

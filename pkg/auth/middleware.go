// Package auth guards the local control API with a shared bearer token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	TokenMetadataKey = "authorization"
	bearerPrefix     = "Bearer "
)

// GenerateToken returns a random hex token suitable for control_token.
func GenerateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenInterceptor checks the bearer token on every control call. An empty
// token disables the check.
type TokenInterceptor struct {
	token []byte
}

func NewTokenInterceptor(token string) *TokenInterceptor {
	return &TokenInterceptor{token: []byte(token)}
}

// UnaryServerInterceptor returns a gRPC unary server interceptor for authentication
func (ti *TokenInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := ti.authenticate(ctx); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		return handler(ctx, req)
	}
}

func (ti *TokenInterceptor) authenticate(ctx context.Context) error {
	if len(ti.token) == 0 {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("no metadata in context")
	}
	headers := md.Get(TokenMetadataKey)
	if len(headers) == 0 {
		return fmt.Errorf("no authorization header")
	}
	token, ok := strings.CutPrefix(headers[0], bearerPrefix)
	if !ok {
		return fmt.Errorf("invalid authorization header format")
	}
	if subtle.ConstantTimeCompare([]byte(token), ti.token) != 1 {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// UnaryClientInterceptor attaches token to outgoing calls.
func UnaryClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, bearerPrefix+token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Package auth resolves the calling principal and its permission tags from
// request credentials.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// TokenPrefix marks tool runtime API keys.
const TokenPrefix = "trk_"

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (tool.Caller, error)
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a trk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

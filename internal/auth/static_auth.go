package auth

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// trk_ key and grants a fixed permission set.
type StaticAuthenticator struct {
	permissions []string
}

func NewStaticAuthenticator(permissions ...string) *StaticAuthenticator {
	return &StaticAuthenticator{permissions: permissions}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (tool.Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return tool.Caller{}, err
	}
	return tool.Caller{
		ID:          "static-" + token[:min(len(token), 12)],
		ProjectID:   "default",
		Permissions: tool.NewPermissionSet(a.permissions...),
	}, nil
}

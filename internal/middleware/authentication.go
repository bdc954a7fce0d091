package middleware

import (
	"context"

	"github.com/giantswarm/tool-gateway/internal/authn"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

// AuthenticationMiddleware validates the request's credentials and
// attaches the resolved Principal to state under the "principal" key for
// downstream middlewares and the tool stage to consult.
type AuthenticationMiddleware struct {
	authenticator *authn.Authenticator
}

// NewAuthenticationMiddleware wraps authenticator as a chain middleware.
func NewAuthenticationMiddleware(authenticator *authn.Authenticator) *AuthenticationMiddleware {
	return &AuthenticationMiddleware{authenticator: authenticator}
}

func (m *AuthenticationMiddleware) Name() string { return "authentication" }

// BeforeAgent extracts credentials from state.Values["headers"]
// (map[string][]string, as set by the HTTP surface before entering the
// chain) and authenticates them.
func (m *AuthenticationMiddleware) BeforeAgent(ctx context.Context, state *State) error {
	raw, _ := state.Get("headers")
	headers, _ := raw.(map[string][]string)

	creds, err := authn.ExtractCredentials(headers)
	if err != nil {
		return err
	}

	principal, err := m.authenticator.Authenticate(creds)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeUnauthorized, "authentication failed")
	}

	state.Set("principal", principal)
	return nil
}

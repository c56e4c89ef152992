package conn

import "context"

// AccessToken is the credential handed back by the auth collaborator.
// Guest marks anonymous sessions, whose auth failures never force a logout.
type AccessToken struct {
	Token string
	Guest bool
}

// Authorizer is the excluded authentication module's surface.
type Authorizer interface {
	Authorize(ctx context.Context) (AccessToken, error)
}

// StaticAuthorizer returns a fixed token. Used by the daemon (token from
// the environment) and by tests.
type StaticAuthorizer struct {
	Token AccessToken
	Err   error
}

func (a StaticAuthorizer) Authorize(context.Context) (AccessToken, error) {
	if a.Err != nil {
		return AccessToken{}, a.Err
	}
	return a.Token, nil
}

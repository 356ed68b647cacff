package gateway

import (
	"context"
	"crypto/subtle"

	"clawgate/internal/domain"
)

// TokenEntry is one accepted bearer token.
type TokenEntry struct {
	Token string
	Name  string
}

type authEntry struct {
	token []byte
	info  *domain.ClientInfo
}

// StaticTokenAuth authorizes callers against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries        []authEntry
	allowAnonymous bool
}

var _ domain.Authorizer = (*StaticTokenAuth)(nil)

// NewStaticTokenAuth builds an authorizer from a set of token entries. With
// allowAnonymous set and no entries, every caller is accepted.
func NewStaticTokenAuth(entries []TokenEntry, allowAnonymous bool) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries:        make([]authEntry, 0, len(entries)),
		allowAnonymous: allowAnonymous,
	}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(e.Token),
			info:  &domain.ClientInfo{Name: e.Name},
		})
	}
	return a
}

// Authorize returns client info if the credential is valid. Every entry is
// compared so the timing does not reveal which one matched.
func (s *StaticTokenAuth) Authorize(_ context.Context, credential string, _ domain.RequestContext) (*domain.ClientInfo, error) {
	if len(s.entries) == 0 && s.allowAnonymous {
		return &domain.ClientInfo{Name: "anonymous"}, nil
	}
	if credential == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(credential)
	var match *domain.ClientInfo
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && match == nil {
			match = e.info
		}
	}
	if match == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return match, nil
}

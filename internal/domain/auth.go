package domain

import "context"

// ClientInfo describes an authorized caller.
type ClientInfo struct {
	Name string
}

// RequestContext is the transport metadata available to authorization.
type RequestContext struct {
	RemoteAddr string
	UserAgent  string
}

// Authorizer checks a bearer credential. It returns ErrUnauthorized (or an
// error wrapping it) when the credential is rejected.
type Authorizer interface {
	Authorize(ctx context.Context, credential string, req RequestContext) (*ClientInfo, error)
}

package auth

import (
	"context"
	"errors"
)

// AnonymousUserID is used for every request when no authentication is configured
const AnonymousUserID = "local"

var ErrUnauthenticated = errors.New("unauthenticated")

// Session identifies the user a request acts for. Token is the raw bearer token, if any,
// and is forwarded to remote services that require it.
type Session struct {
	UserID string
	Email  string
	Token  string
}

type sessionKey struct{}

// NewContext returns a copy of ctx carrying s
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

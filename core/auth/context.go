package auth

import (
	"context"
	"net/http"
)

// RequestState is the identity attached to a request that the middleware let
// through on an authenticated or admin path.
type RequestState struct {
	UserID  string
	Role    string
	Payload *Claims
}

type stateKey struct{}

func withState(ctx context.Context, st *RequestState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFromContext returns the request state, or nil when none was attached.
func StateFromContext(ctx context.Context) *RequestState {
	if ctx == nil {
		return nil
	}
	if st, ok := ctx.Value(stateKey{}).(*RequestState); ok {
		return st
	}
	return nil
}

func StateFromRequest(r *http.Request) *RequestState {
	if r == nil {
		return nil
	}
	return StateFromContext(r.Context())
}

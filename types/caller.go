package types

import "context"

type callerKey struct{}

// WithCaller returns a context carrying the account performing an operation.
// Governance checks, the exchange callback boundary and custody transfers
// authorize against it.
func WithCaller(ctx context.Context, caller Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored by WithCaller, or the zero address.
func CallerFrom(ctx context.Context) Address {
	if v := ctx.Value(callerKey{}); v != nil {
		if a, ok := v.(Address); ok {
			return a
		}
	}
	return ZeroAddress
}

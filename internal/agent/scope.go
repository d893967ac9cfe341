package agent

import "context"

// Scope identifies the conversation an invocation acts for.
type Scope struct {
	ThreadID string
	Tenant   string
	User     string
}

type scopeKey struct{}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func (r *Request) applyScope(s Scope) {
	if r.ThreadID == "" {
		r.ThreadID = s.ThreadID
	}
	if r.Tenant == "" {
		r.Tenant = s.Tenant
	}
	if r.User == "" {
		r.User = s.User
	}
}

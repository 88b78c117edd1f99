package orchestrator

import (
	"context"
	"strings"
)

// Operation names the orchestrator call an Authorizer is asked to permit.
// Transport adapters map their own route/method onto one of these before
// calling Authorize.
type Operation string

const (
	OpStartRun     Operation = "start_run"
	OpSubmitTask   Operation = "submit_task"
	OpStreamEvents Operation = "stream_events"
	OpFetchResult  Operation = "fetch_result"
)

// Authorizer is the RBAC boundary the orchestrator core delegates to.
// Identity resolution and role storage are out of scope for this package;
// Authorizer is the seam a transport adapter wires to whatever identity
// provider it uses. A nil Authorizer passed to WithAuthorizer disables the
// check entirely, for single-tenant deployments that authorize at the
// network boundary instead.
type Authorizer interface {
	// Authorize reports whether the bearer token may perform op against
	// runID ("" if the operation has no run yet, e.g. StartRun). A
	// non-nil error is always treated as a denial: this boundary is
	// default-deny on failure, never default-allow.
	Authorize(ctx context.Context, token string, op Operation, runID string) error
}

// BearerToken extracts the token from an "authorization: Bearer <token>"
// header value. Returns ok=false if header does not carry a well-formed
// Bearer credential.
func BearerToken(header string) (token string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token = strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// WithAuthorizer returns a context carrying authorizer, for handlers that
// thread it through to the orchestrator core via AuthorizeContext rather
// than passing it as an explicit parameter on every call.
func WithAuthorizer(ctx context.Context, authorizer Authorizer) context.Context {
	return context.WithValue(ctx, authorizerContextKey{}, authorizer)
}

type authorizerContextKey struct{}

// AuthorizeContext runs the Authorizer stashed in ctx by WithAuthorizer, if
// any, failing closed once an Authorizer is present: a missing token or an
// Authorize error denies.
// Deployments that authorize at the network boundary simply never call
// WithAuthorizer, in which case AuthorizeContext is a no-op allow.
func AuthorizeContext(ctx context.Context, token string, op Operation, runID string) error {
	authorizer, ok := ctx.Value(authorizerContextKey{}).(Authorizer)
	if !ok || authorizer == nil {
		return nil
	}
	if token == "" {
		return errPermissionDenied("missing bearer token for %s", op)
	}
	if err := authorizer.Authorize(ctx, token, op, runID); err != nil {
		return errPermissionDenied("%s denied: %s", op, err)
	}
	return nil
}

// Package errs defines the router's error taxonomy. Every error the core
// surfaces to a caller is a *RouterError carrying a stable Kind so upstream
// observability can distinguish root cause without string matching.
package errs

import "fmt"

// Kind identifies one entry in the error taxonomy. Kinds are compared by
// value, not by type, so callers can pattern-match on them directly.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindAcquireTimeout    Kind = "acquire_timeout"
	KindAcquireCancelled  Kind = "acquire_cancelled"
	KindNoReplicaAvail    Kind = "no_replica_available"
	KindEndpointTransient Kind = "endpoint_transient"
	KindStatementError    Kind = "statement_error"
	KindPoolClosed        Kind = "pool_closed"
	KindIllegalRelease    Kind = "illegal_release"
	KindConnectionCreate  Kind = "connection_create_failed"
	KindQueryFailed       Kind = "query_failed"
)

// RouterError is the single exported error type for the core. It always
// carries a Kind, and optionally the endpoint involved, the routing decision
// reason in effect at the time, and whether this was a retry attempt.
type RouterError struct {
	Kind       Kind
	EndpointID string
	Reason     string
	Retry      bool
	Cause      error
}

func (e *RouterError) Error() string {
	msg := string(e.Kind)
	if e.EndpointID != "" {
		msg = fmt.Sprintf("%s (endpoint=%s)", msg, e.EndpointID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *RouterError) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone: errors.Is(err, errs.New(KindPoolClosed, nil)).
func (e *RouterError) Is(target error) bool {
	t, ok := target.(*RouterError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a RouterError of the given kind wrapping cause.
func New(kind Kind, cause error) *RouterError {
	return &RouterError{Kind: kind, Cause: cause}
}

// WithEndpoint attaches the endpoint id that the error occurred on.
func (e *RouterError) WithEndpoint(id string) *RouterError {
	e.EndpointID = id
	return e
}

// WithReason attaches the routing decision reason in effect.
func (e *RouterError) WithReason(reason string) *RouterError {
	e.Reason = reason
	return e
}

// AsRetry marks the error as having occurred during an internal retry attempt.
func (e *RouterError) AsRetry() *RouterError {
	e.Retry = true
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *RouterError.
func KindOf(err error) (Kind, bool) {
	var re *RouterError
	if ok := asRouterError(err, &re); ok {
		return re.Kind, true
	}
	return "", false
}

func asRouterError(err error, target **RouterError) bool {
	for err != nil {
		if re, ok := err.(*RouterError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IsTransient reports whether err is classified as an endpoint-transient
// failure eligible for internal retry across replicas.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindEndpointTransient
}

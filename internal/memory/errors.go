package memory

import "errors"

// Kind-tagged errors. Every layer above the tenant store returns one
// of these (or wraps one with fmt.Errorf("%w",...)) so the MCP and
// HTTP transports can map failures onto their wire-level error codes
// without re-deriving intent from error strings.
type ErrorKind string

const (
	KindAuthError ErrorKind = "AuthError"
	KindTenantMismatch ErrorKind = "TenantMismatch"
	KindNotFound ErrorKind = "NotFound"
	KindInvalidArgument ErrorKind = "InvalidArgument"
	KindSessionState ErrorKind = "SessionState"
	KindProviderError ErrorKind = "ProviderError"
	KindStoreError ErrorKind = "StoreError"
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
)

// KindedError carries an ErrorKind alongside the underlying cause so
// transports can map it to an HTTP status or JSON-RPC code.
type KindedError struct {
	Kind ErrorKind
	Err error
}

func (e *KindedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindedError) Unwrap() error { return e.Err }

// New constructs a KindedError.
func New(kind ErrorKind, err error) *KindedError {
	return &KindedError{Kind: kind, Err: err}
}

// Errorf behaves like New but accepts a plain message.
func Errorf(kind ErrorKind, msg string) *KindedError {
	return &KindedError{Kind: kind, Err: errors.New(msg)}
}

// As extracts the ErrorKind of err, defaulting to KindStoreError when
// err does not carry one: failures are never silently swallowed, so
// an unclassified error still surfaces as a store failure rather
// than vanishing.
func As(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindStoreError
}

var (
	ErrMissingTenant = New(KindAuthError, errors.New("tenant info missing from context"))
	ErrInvalidTenant = New(KindInvalidArgument, errors.New("invalid tenant identifier"))
	ErrUnitNotFound = New(KindNotFound, errors.New("unit not found"))
	ErrSessionNotFound = New(KindNotFound, errors.New("session not found"))
)

package kickauth

import "fmt"

type ErrorKind int

const (
	Cancelled ErrorKind = iota + 1
	ExchangeFailed
	RefreshFailed
	MissingCredentials
)

func (k ErrorKind) String() string {
	switch k {
	case Cancelled:
		return "cancelled"
	case ExchangeFailed:
		return "exchange failed"
	case RefreshFailed:
		return "refresh failed"
	case MissingCredentials:
		return "missing client credentials"
	default:
		return "unknown"
	}
}

// Error is returned by every Manager operation. Compare kinds with errors.Is
// against the Err* sentinels.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "kickauth: " + e.Kind.String()
	}
	return fmt.Sprintf("kickauth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrCancelled          = &Error{Kind: Cancelled}
	ErrExchangeFailed     = &Error{Kind: ExchangeFailed}
	ErrRefreshFailed      = &Error{Kind: RefreshFailed}
	ErrMissingCredentials = &Error{Kind: MissingCredentials}
)

func wrap(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Err: err}
}

package kickapi

import "fmt"

type ErrorKind int

const (
	Unauthorized ErrorKind = iota + 1
	ChannelUnresolved
	RateLimited
	Transport
)

func (k ErrorKind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case ChannelUnresolved:
		return "channel unresolved"
	case RateLimited:
		return "rate limited"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error describes a failed API call. Status is zero when no response arrived.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := "kickapi"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrUnauthorized      = &Error{Kind: Unauthorized}
	ErrChannelUnresolved = &Error{Kind: ChannelUnresolved}
	ErrRateLimited       = &Error{Kind: RateLimited}
	ErrTransport         = &Error{Kind: Transport}
)

package upstream

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy shared by every upstream client. The retry
// classifier and the fallback chain branch on it.
type Kind string

const (
	KindNetwork             Kind = "network_error"
	KindTimeout             Kind = "timeout_error"
	KindServer              Kind = "upstream_server_error"
	KindClient              Kind = "upstream_client_error"
	KindMalformedResponse   Kind = "malformed_response"
	KindMalformedAmount     Kind = "malformed_amount"
	KindNoData              Kind = "no_data"
	KindAllSourcesExhausted Kind = "all_sources_exhausted"
	KindCacheBackend        Kind = "cache_backend_error"
	KindCircuitOpen         Kind = "circuit_open"
)

func (k Kind) String() string {
	return string(k)
}

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	Source     string
	StatusCode int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	prefix := string(e.Kind)
	if e.Source != "" {
		prefix = e.Source + ": " + prefix
	}
	if e.StatusCode != 0 {
		prefix = fmt.Sprintf("%s (http status %d)", prefix, e.StatusCode)
	}
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, source, msg string) *Error {
	return &Error{Kind: kind, Source: source, Msg: msg}
}

func Errorf(kind Kind, source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, source string, err error) *Error {
	return &Error{Kind: kind, Source: source, Err: err}
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

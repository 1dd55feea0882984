package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

// Attempt budgets granted by the classifier. Server errors get fewer
// attempts so a struggling dependency is not hammered.
const (
	NetworkMaxAttempts = 3
	ServerMaxAttempts  = 2
)

type Decision struct {
	Class       Class
	Reason      string
	MaxAttempts int
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func transient(reason string, attempts int) Decision {
	return Decision{Class: ClassTransient, Reason: reason, MaxAttempts: attempts}
}

func terminal(reason string) Decision {
	return Decision{Class: ClassTerminal, Reason: reason, MaxAttempts: 1}
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether err is worth retrying and how many attempts the
// whole operation may use. It has no side effects.
func Classify(err error) Decision {
	if err == nil {
		return terminal("nil_error")
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		if marked.class == ClassTransient {
			return transient(marked.reason, NetworkMaxAttempts)
		}
		return terminal(marked.reason)
	}

	if errors.Is(err, context.Canceled) {
		return terminal("context_canceled")
	}

	if kind, ok := upstream.KindOf(err); ok {
		switch kind {
		case upstream.KindNetwork, upstream.KindTimeout:
			return transient(kind.String(), NetworkMaxAttempts)
		case upstream.KindServer:
			return transient(kind.String(), ServerMaxAttempts)
		default:
			return terminal(kind.String())
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transient("context_deadline_exceeded", NetworkMaxAttempts)
	}

	// Fetchers that wrap a gRPC client surface status errors here.
	if grpcStatus, ok := status.FromError(err); ok {
		reason := "grpc_" + strings.ToLower(grpcStatus.Code().String())
		switch grpcStatus.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return transient(reason, NetworkMaxAttempts)
		case codes.Internal:
			return transient(reason, ServerMaxAttempts)
		default:
			return terminal(reason)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return transient("net_timeout", NetworkMaxAttempts)
		}
		return transient("net_error", NetworkMaxAttempts)
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return terminal("message_terminal")
	}
	if containsAny(lower, transientMessageTokens) {
		return transient("message_transient", NetworkMaxAttempts)
	}

	return terminal("unknown_terminal_default")
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"too many requests",
	"rate limit",
	"http status 429",
	"invalid argument",
	"parse error",
	"length mismatch",
	"not found",
	"no data",
}

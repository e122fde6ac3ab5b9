// Package xerr classifies errors per the taxonomy in spec §7 so the HTTP
// adapter (component I) can map them to status codes without components
// upstream needing to know about HTTP at all.
package xerr

import (
	"errors"
	"fmt"
)

// Kind is one error-handling policy bucket from spec §7.
type Kind int

const (
	// KindInternal covers unexpected, unclassified failures.
	KindInternal Kind = iota
	// KindConfiguration covers missing/invalid startup configuration; refuse at startup.
	KindConfiguration
	// KindAuthentication covers a bad API token; 401 immediate.
	KindAuthentication
	// KindUnavailable covers "XMPP not ready" / "no bridge discovered"; 503 with precise reason.
	KindUnavailable
	// KindProtocolUnsupported covers neither Colibri version advertised; 501 on allocation attempts.
	KindProtocolUnsupported
	// KindUpstream covers IQ errors/timeouts/HTTP PATCH failures; 502.
	KindUpstream
	// KindBadRequest covers malformed caller input; 400.
	KindBadRequest
	// KindNotFound covers an unknown recording ID; 404.
	KindNotFound
)

// Error wraps an underlying cause with a Kind the HTTP layer can switch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Configuration(msg string, err error) *Error        { return new_(KindConfiguration, msg, err) }
func Authentication(msg string) *Error                  { return new_(KindAuthentication, msg, nil) }
func Unavailable(msg string, err error) *Error          { return new_(KindUnavailable, msg, err) }
func ProtocolUnsupported(msg string) *Error             { return new_(KindProtocolUnsupported, msg, nil) }
func Upstream(msg string, err error) *Error             { return new_(KindUpstream, msg, err) }
func BadRequest(msg string) *Error                      { return new_(KindBadRequest, msg, nil) }
func NotFound(msg string) *Error                        { return new_(KindNotFound, msg, nil) }
func Internal(msg string, err error) *Error             { return new_(KindInternal, msg, err) }

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

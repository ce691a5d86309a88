// Package patch defines the traffic-rewriting hooks and the closed decision
// set the engines act on.
package patch

import (
	"net/http"
	"net/url"
)

// Kind enumerates the closed decision set. The zero value is invalid so a
// forgotten decision is caught instead of silently allowed.
type Kind int

const (
	KindInvalid Kind = iota
	KindAllow
	KindEmpty
	KindDeny
	KindRedirect
	KindPipe
)

func (k Kind) String() string {
	switch k {
	case KindAllow:
		return "allow"
	case KindEmpty:
		return "empty"
	case KindDeny:
		return "deny"
	case KindRedirect:
		return "redirect"
	case KindPipe:
		return "pipe"
	default:
		return "invalid"
	}
}

// Decision is a tagged variant; payload fields are meaningful only for the
// tag they belong to.
type Decision struct {
	kind Kind

	// Headers are extra response headers for Empty and Redirect.
	Headers http.Header

	// RedirectLocation, when non-nil, is forwarded upstream in place of the
	// original destination; when nil, RedirectText is served directly. The
	// user agent never sees a 3xx either way.
	RedirectLocation *url.URL
	RedirectText     []byte
}

func (d Decision) Kind() Kind { return d.kind }

func Allow() Decision { return Decision{kind: KindAllow} }
func Deny() Decision  { return Decision{kind: KindDeny} }
func Pipe() Decision  { return Decision{kind: KindPipe} }

func Empty(headers http.Header) Decision {
	return Decision{kind: KindEmpty, Headers: headers}
}

func Redirect(location *url.URL, text []byte, headers http.Header) Decision {
	return Decision{
		kind:             KindRedirect,
		RedirectLocation: location,
		RedirectText:     text,
		Headers:          headers,
	}
}

// ValidForRequest reports whether the decision may be returned by a REQUEST
// hook. Anything else is a programmer error the engine treats as fatal.
func (d Decision) ValidForRequest() bool {
	switch d.kind {
	case KindAllow, KindEmpty, KindDeny, KindRedirect:
		return true
	}
	return false
}

// ValidForConnect reports whether the decision may be returned by a CONNECT
// hook.
func (d Decision) ValidForConnect() bool {
	switch d.kind {
	case KindAllow, KindDeny, KindPipe:
		return true
	}
	return false
}

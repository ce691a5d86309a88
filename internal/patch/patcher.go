package patch

import (
	"net/http"
	"net/url"
	"strings"
)

// Hooks use continuation style: implementations may call respond before
// returning or from another goroutine later; the engines assume neither.
// Each respond must be called exactly once.
type (
	RequestHook       func(referer string, dest *url.URL, body []byte, header http.Header, reqID uint64, respond func(Decision, []byte))
	ConnectHook       func(hostport string, reqID uint64, respond func(Decision))
	TextResponseHook  func(referer string, dest *url.URL, text string, header http.Header, reqID uint64, respond func(string))
	OtherResponseHook func(referer string, dest *url.URL, body []byte, header http.Header, reqID uint64, respond func([]byte))
)

// Set bundles the four replaceable hooks. Filled replaces nil members with
// the hooks of Defaults.
type Set struct {
	OnRequest       RequestHook
	OnConnect       ConnectHook
	OnTextResponse  TextResponseHook
	OnOtherResponse OtherResponseHook
}

// ConnectPolicy decides whether a CONNECT target should be intercepted.
type ConnectPolicy interface {
	ShouldIntercept(hostport string) bool
}

const helloScript = `<script>console.log("Hello from Violentproxy :)");</script>`

// Defaults returns the stock hook set: requests pass through, CONNECT
// tunnels are intercepted or spliced per policy, text responses get the
// hello script injected after the first <head>, binary responses pass
// through untouched.
func Defaults(policy ConnectPolicy) *Set {
	return &Set{
		OnRequest: func(_ string, _ *url.URL, body []byte, _ http.Header, _ uint64, respond func(Decision, []byte)) {
			respond(Allow(), body)
		},
		OnConnect: func(hostport string, _ uint64, respond func(Decision)) {
			if policy == nil || policy.ShouldIntercept(hostport) {
				respond(Allow())
				return
			}
			respond(Pipe())
		},
		OnTextResponse: func(_ string, _ *url.URL, text string, _ http.Header, _ uint64, respond func(string)) {
			respond(strings.Replace(text, "<head>", "<head>"+helloScript, 1))
		},
		OnOtherResponse: func(_ string, _ *url.URL, body []byte, _ http.Header, _ uint64, respond func([]byte)) {
			respond(body)
		},
	}
}

// Filled returns a copy of s with nil hooks replaced by the defaults.
func (s *Set) Filled(policy ConnectPolicy) *Set {
	def := Defaults(policy)
	out := *s
	if out.OnRequest == nil {
		out.OnRequest = def.OnRequest
	}
	if out.OnConnect == nil {
		out.OnConnect = def.OnConnect
	}
	if out.OnTextResponse == nil {
		out.OnTextResponse = def.OnTextResponse
	}
	if out.OnOtherResponse == nil {
		out.OnOtherResponse = def.OnOtherResponse
	}
	return &out
}

// FirstMIME picks the first concrete media type out of a comma or semicolon
// separated header value, skipping wildcards. It falls back to text/html.
func FirstMIME(value string) string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if strings.Contains(f, "/") && !strings.Contains(f, "*") {
			return f
		}
	}
	return "text/html"
}

package agentpool

import (
	"net/http"
	"testing"
)

func TestGetPolicy(t *testing.T) {
	p := New("system")
	cases := []struct {
		name    string
		version string
		header  http.Header
		wantKey string
	}{
		{"http10 bare", "1.0", http.Header{}, "close"},
		{"http10 keepalive", "1.0", http.Header{"Connection": {"keep-alive"}}, "default"},
		{"http11 bare", "1.1", http.Header{}, "default"},
		{"http11 close", "1.1", http.Header{"Connection": {"close"}}, "close"},
		{"http11 close mixed case", "1.1", http.Header{"Connection": {"Close"}}, "close"},
		{"keepalive timeout", "1.1", http.Header{"Keep-Alive": {"timeout=5"}}, "5000"},
		{"keepalive timeout fraction", "1.1", http.Header{"Keep-Alive": {"timeout=2.5"}}, "2500"},
		{"keepalive timeout with max", "1.1", http.Header{"Keep-Alive": {"max=100, timeout=30"}}, "30000"},
		{"keepalive malformed", "1.1", http.Header{"Keep-Alive": {"timeout=soon"}}, "default"},
		{"keepalive negative", "1.1", http.Header{"Keep-Alive": {"timeout=-1"}}, "default"},
		{"close beats keepalive", "1.1", http.Header{"Connection": {"close"}, "Keep-Alive": {"timeout=5"}}, "close"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := p.Get(c.version, c.header, false).Key(); got != c.wantKey {
				t.Errorf("Get(%s, %v) key = %q, want %q", c.version, c.header, got, c.wantKey)
			}
		})
	}
}

func TestGetReusesAgents(t *testing.T) {
	p := New("system")
	h := http.Header{"Keep-Alive": {"timeout=7"}}
	if p.Get("1.1", h, false) != p.Get("1.1", h, false) {
		t.Error("same timeout must map to the same agent")
	}
	if p.Get("1.1", http.Header{}, false) != p.Get("1.1", http.Header{}, false) {
		t.Error("default agent must be shared")
	}
}

func TestGetSeparatesTLSAndPlain(t *testing.T) {
	p := New("system")
	plain := p.Get("1.1", http.Header{}, false)
	secure := p.Get("1.1", http.Header{}, true)
	if plain == secure {
		t.Fatal("tls and plain traffic must not share an agent")
	}
	if plain.Transport().DialTLSContext != nil {
		t.Error("plain agent carries a TLS dialer")
	}
	if secure.Transport().DialTLSContext == nil {
		t.Error("tls agent missing its TLS dialer")
	}
}

func TestCloseAgentDisablesKeepAlives(t *testing.T) {
	p := New("system")
	a := p.Get("1.0", http.Header{}, false)
	if !a.Transport().DisableKeepAlives {
		t.Error("close agent must not pool connections")
	}
	d := p.Get("1.1", http.Header{}, false)
	if d.Transport().DisableKeepAlives {
		t.Error("default agent must pool connections")
	}
}

func TestParseKeepAliveTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"timeout=5", 5000, true},
		{"timeout=0.25", 250, true},
		{"Timeout=10", 10000, true},
		{"max=5, timeout=3", 3000, true},
		{"timeout=0", 0, false},
		{"timeout=-3", 0, false},
		{"timeout=abc", 0, false},
		{"max=5", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseKeepAliveTimeout(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("parseKeepAliveTimeout(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

package engine

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/NanoAdblockerLab/NanoProxy/internal/agentpool"
	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
	"github.com/NanoAdblockerLab/NanoProxy/internal/patch"
	"github.com/NanoAdblockerLab/NanoProxy/internal/rules"
)

func testEngine(hooks *patch.Set) *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	if hooks == nil {
		hooks = patch.Defaults(rules.New("all", nil))
	} else {
		hooks = hooks.Filled(rules.New("all", nil))
	}
	return &Engine{
		log:   log,
		pool:  agentpool.New("system"),
		hooks: hooks,
		stats: metrics.NewAggregator(),
	}
}

func TestParseConnectTarget(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
		ok       bool
	}{
		{"example.com:443", "example.com", 443, true},
		{"example.com:8443", "example.com", 8443, true},
		{"localhost:443", "localhost", 443, true},
		{"example.com:garbage", "example.com", 443, true},
		{"example.com", "", 0, false},
		{":443", "", 0, false},
		{"single:443", "", 0, false},
		{"*.example.com:443", "", 0, false},
		{"example.com:443:443", "", 0, false},
	}
	for _, c := range cases {
		host, port, ok := parseConnectTarget(c.in)
		if host != c.wantHost || port != c.wantPort || ok != c.ok {
			t.Errorf("parseConnectTarget(%q) = (%q, %d, %v), want (%q, %d, %v)",
				c.in, host, port, ok, c.wantHost, c.wantPort, c.ok)
		}
	}
}

func TestIsTLSClientHello(t *testing.T) {
	cases := []struct {
		b    []byte
		want bool
	}{
		{[]byte{0x16, 0x03, 0x01}, true},
		{[]byte{0x16, 0x03, 0x00}, true},
		{[]byte{0x16, 0x03, 0x05}, true},
		{[]byte{0x16, 0x03, 0x06}, false},
		{[]byte{0x16, 0x02, 0x01}, false},
		{[]byte{0x17, 0x03, 0x01}, false},
		{[]byte("GET"), false},
	}
	for _, c := range cases {
		if got := isTLSClientHello(c.b); got != c.want {
			t.Errorf("isTLSClientHello(%x) = %v, want %v", c.b, got, c.want)
		}
	}
}

func TestWriteEstablished(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := httptest.NewRequest(http.MethodConnect, "//example.com:443", nil)
	r.Header.Set("Proxy-Connection", "keep-alive")

	go func() {
		_ = writeEstablished(server, r)
		server.Close()
	}()
	out, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "HTTP/1.1 200 Connection Established\r\n") {
		t.Errorf("status line wrong: %q", s)
	}
	if !strings.Contains(s, "Proxy-Connection: keep-alive\r\n") {
		t.Errorf("keep-alive intent not echoed: %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Errorf("missing header terminator: %q", s)
	}
}

func TestHTTPVersion(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.ProtoMajor, r.ProtoMinor = 1, 0
	if v := httpVersion(r); v != "1.0" {
		t.Errorf("httpVersion 1.0 request = %q", v)
	}
	r.ProtoMajor, r.ProtoMinor = 1, 1
	if v := httpVersion(r); v != "1.1" {
		t.Errorf("httpVersion 1.1 request = %q", v)
	}
}

func TestDecodeBody(t *testing.T) {
	plain := []byte("<html><head></head></html>")

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write(plain)
	_ = zw.Close()
	if got, err := decodeBody(gz.Bytes(), "gzip"); err != nil || !bytes.Equal(got, plain) {
		t.Errorf("gzip decode = %q, %v", got, err)
	}

	var zl bytes.Buffer
	zlw := zlib.NewWriter(&zl)
	_, _ = zlw.Write(plain)
	_ = zlw.Close()
	if got, err := decodeBody(zl.Bytes(), "deflate"); err != nil || !bytes.Equal(got, plain) {
		t.Errorf("zlib deflate decode = %q, %v", got, err)
	}

	// Raw deflate without the zlib wrapper, as some origins serve it.
	var raw bytes.Buffer
	fw, _ := flate.NewWriter(&raw, flate.DefaultCompression)
	_, _ = fw.Write(plain)
	_ = fw.Close()
	if got, err := decodeBody(raw.Bytes(), "deflate"); err != nil || !bytes.Equal(got, plain) {
		t.Errorf("raw deflate decode = %q, %v", got, err)
	}

	if got, err := decodeBody(plain, ""); err != nil || !bytes.Equal(got, plain) {
		t.Errorf("identity decode = %q, %v", got, err)
	}
	if got, err := decodeBody(plain, "br"); err != nil || !bytes.Equal(got, plain) {
		t.Errorf("unknown encoding must pass through, got %q, %v", got, err)
	}

	if _, err := decodeBody([]byte("not gzip"), "gzip"); err == nil {
		t.Error("corrupt gzip must error")
	}
}

func TestIsTextual(t *testing.T) {
	cases := []struct {
		mt   string
		want bool
	}{
		{"text/html", true},
		{"text/css", true},
		{"application/xml", true},
		{"application/xhtml+xml", true},
		{"application/json", false},
		{"image/png", false},
		{"application/octet-stream", false},
	}
	for _, c := range cases {
		if got := isTextual(c.mt); got != c.want {
			t.Errorf("isTextual(%q) = %v, want %v", c.mt, got, c.want)
		}
	}
}

func TestEmit(t *testing.T) {
	w := httptest.NewRecorder()
	header := http.Header{
		"Content-Type":      {"text/html"},
		"Public-Key-Pins":   {"pin-sha256=x"},
		"Content-Length":    {"9999"},
		"Transfer-Encoding": {"chunked"},
		"X-Custom":          {"kept"},
	}
	body := []byte("final body")
	emit(w, http.StatusAccepted, header, body)

	resp := w.Result()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Public-Key-Pins") != "" {
		t.Error("Public-Key-Pins must be stripped")
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, want %d", got, len(body))
	}
	if resp.Header.Get("X-Custom") != "kept" {
		t.Error("pass-through header lost")
	}
	if w.Body.String() != "final body" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCopyOutboundHeaders(t *testing.T) {
	src := http.Header{
		"Connection":          {"keep-alive"},
		"Proxy-Authorization": {"Basic xyz"},
		"Accept-Encoding":     {"br"},
		"Transfer-Encoding":   {"chunked"},
		"User-Agent":          {"test-agent"},
		"Cookie":              {"a=b"},
	}
	dst := http.Header{}
	copyOutboundHeaders(dst, src)
	for _, k := range []string{"Connection", "Proxy-Authorization", "Accept-Encoding", "Transfer-Encoding"} {
		if dst.Get(k) != "" {
			t.Errorf("hop-by-hop header %s crossed to upstream", k)
		}
	}
	if dst.Get("User-Agent") != "test-agent" || dst.Get("Cookie") != "a=b" {
		t.Error("end-to-end headers must cross unchanged")
	}
}

func TestSynthesize(t *testing.T) {
	e := testEngine(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.Header.Set("Accept", "image/webp,*/*")

	e.synthesize(w, r, http.Header{"X-Extra": {"v"}, "Public-Key-Pins": {"pin"}}, nil)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/webp" {
		t.Errorf("Content-Type = %q, want accept-derived image/webp", got)
	}
	if got := resp.Header.Get("Server"); got != synthServer {
		t.Errorf("Server = %q, want %q", got, synthServer)
	}
	if resp.Header.Get("Public-Key-Pins") != "" {
		t.Error("Public-Key-Pins must be stripped")
	}
	if got := resp.Header.Get("Content-Length"); got != "0" {
		t.Errorf("Content-Length = %q", got)
	}
	if resp.Header.Get("X-Extra") != "v" {
		t.Error("extra header lost")
	}
}

func TestServeRequestForwardInjectsScript(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip, deflate" {
			t.Errorf("Accept-Encoding = %q, want forced gzip, deflate", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><head></head><body>hi</body></html>")
	}))
	defer upstream.Close()

	e := testEngine(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, upstream.URL+"/page", nil)

	e.serveRequest(w, r, false)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("Hello from Violentproxy")) {
		t.Errorf("default text patcher did not run: %q", body)
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q for %d body bytes", got, len(body))
	}
	if got := resp.Header.Get("Content-Encoding"); got != "identity" {
		t.Errorf("Content-Encoding = %q, want identity", got)
	}
}

func TestServeRequestBinaryBypassesTextPipeline(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	e := testEngine(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, upstream.URL+"/img.png", nil)

	e.serveRequest(w, r, false)

	body, _ := io.ReadAll(w.Result().Body)
	if !bytes.Equal(body, payload) {
		t.Errorf("binary body modified: %x", body)
	}
}

func TestServeRequestEmptyDecision(t *testing.T) {
	hooks := &patch.Set{
		OnRequest: func(_ string, _ *url.URL, _ []byte, _ http.Header, _ uint64, respond func(patch.Decision, []byte)) {
			respond(patch.Empty(nil), nil)
		},
	}
	e := testEngine(hooks)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://blocked.example.com/ad.js", nil)
	r.Header.Set("Accept", "application/javascript")

	e.serveRequest(w, r, false)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/javascript" {
		t.Errorf("Content-Type = %q", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestServeRequestDenyTearsDown(t *testing.T) {
	hooks := &patch.Set{
		OnRequest: func(_ string, _ *url.URL, _ []byte, _ http.Header, _ uint64, respond func(patch.Decision, []byte)) {
			respond(patch.Deny(), nil)
		},
	}
	e := testEngine(hooks)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://denied.example.com/", nil)

	assertAborts(t, func() { e.serveRequest(w, r, false) })
}

func TestServeRequestRejectsRelativeURL(t *testing.T) {
	e := testEngine(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/just/a/path", nil)

	assertAborts(t, func() { e.serveRequest(w, r, false) })
}

// assertAborts runs fn and requires the silent-teardown panic a
// non-hijackable writer produces.
func assertAborts(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler, got %v", r)
		}
	}()
	fn()
	t.Fatal("connection was not torn down")
}

func TestIDSourceMonotonic(t *testing.T) {
	var ids idSource
	prev := ids.next()
	for i := 0; i < 100; i++ {
		n := ids.next()
		if n <= prev {
			t.Fatalf("ids not increasing: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestSplicePreservesBufferedBytes(t *testing.T) {
	clientNear, clientFar := net.Pipe()
	upstreamNear, upstreamFar := net.Pipe()

	go func() {
		_, _ = clientFar.Write([]byte("llo"))
		clientFar.Close()
	}()

	received := make(chan []byte, 1)
	go func() {
		b := make([]byte, 5)
		_, _ = io.ReadFull(upstreamFar, b)
		received <- b
		upstreamFar.Close()
	}()

	// "he" was already consumed from the client by a protocol peek.
	buffered := bufio.NewReader(io.MultiReader(strings.NewReader("he"), clientNear))
	up, _ := splice(upstreamNear, clientNear, buffered)

	if got := string(<-received); got != "hello" {
		t.Fatalf("upstream saw %q, want %q", got, "hello")
	}
	if up != 5 {
		t.Errorf("client->upstream bytes = %d, want 5", up)
	}
}

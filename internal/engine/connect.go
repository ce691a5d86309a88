package engine

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
	"github.com/NanoAdblockerLab/NanoProxy/internal/patch"
)

const dialTimeout = 10 * time.Second

// handleConnect runs the tunnel state machine: validate the target, ask the
// CONNECT hook, then either splice raw, terminate TLS into the dynamic TLS
// server, or drop the socket.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	host, port, ok := parseConnectTarget(target)
	if !ok {
		destroy(w)
		return
	}
	reqID := e.ids.next()

	ch := make(chan patch.Decision, 1)
	e.hooks.OnConnect(net.JoinHostPort(host, strconv.Itoa(port)), reqID, func(d patch.Decision) {
		ch <- d
	})
	d := <-ch
	if !d.ValidForConnect() {
		e.log.Fatalf("connect hook returned %s decision", d.Kind())
	}
	if d.Kind() == patch.KindDeny {
		destroy(w)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		destroy(w)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return
	}

	switch d.Kind() {
	case patch.KindPipe:
		e.pipe(conn, brw, r, host, port)
	case patch.KindAllow:
		e.intercept(conn, brw, r, host)
	}
}

// parseConnectTarget validates a CONNECT request target. The host must be
// dotted or "localhost" and wildcard-free; exactly one colon separates the
// port, which defaults to 443 when it does not parse.
func parseConnectTarget(s string) (host string, port int, ok bool) {
	i := strings.Index(s, ":")
	if i < 0 || strings.Contains(s[i+1:], ":") {
		return "", 0, false
	}
	host = s[:i]
	if host == "" || strings.Contains(host, "*") {
		return "", 0, false
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return "", 0, false
	}
	port = 443
	if n, err := strconv.Atoi(s[i+1:]); err == nil && n >= 0 && n <= 65535 {
		port = n
	}
	return host, port, true
}

// writeEstablished emits the CONNECT success line, echoing the client's
// keep-alive intent. CRLF is literal regardless of platform.
func writeEstablished(conn net.Conn, r *http.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%s 200 Connection Established\r\n", httpVersion(r))
	if strings.EqualFold(r.Header.Get("Connection"), "keep-alive") {
		b.WriteString("Connection: keep-alive\r\n")
	}
	if strings.EqualFold(r.Header.Get("Proxy-Connection"), "keep-alive") {
		b.WriteString("Proxy-Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(conn, b.String())
	return err
}

// pipe splices the tunnel to the origin without inspection. After the
// splice starts the engine never sees another event for this tunnel.
func (e *Engine) pipe(conn net.Conn, brw *bufio.ReadWriter, r *http.Request, host string, port int) {
	defer conn.Close()
	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		e.log.WithError(err).WithField("host", host).Warn("tunnel dial failed")
		return
	}
	defer upstream.Close()
	if err := writeEstablished(conn, r); err != nil {
		return
	}

	start := time.Now()
	up, down := splice(upstream, conn, brw.Reader)
	e.stats.Add(metrics.RequestEvent{
		Ts:       time.Now().UTC(),
		Host:     host,
		Method:   http.MethodConnect,
		Path:     "/",
		Code:     http.StatusOK,
		Ms:       time.Since(start).Milliseconds(),
		BytesIn:  down,
		BytesOut: up,
	})
}

// intercept peeks at the tunnel's first bytes and, for a TLS handshake,
// reroutes the stream into the dynamic TLS server. The peeked bytes are
// re-emitted ahead of the splice so the TLS layer sees the whole record.
func (e *Engine) intercept(conn net.Conn, brw *bufio.ReadWriter, r *http.Request, host string) {
	if err := writeEstablished(conn, r); err != nil {
		conn.Close()
		return
	}
	prefix, err := brw.Reader.Peek(3)
	if err != nil {
		conn.Close()
		return
	}
	if !isTLSClientHello(prefix) {
		// Plain HTTP or WebSocket over CONNECT is terminated, not piped.
		conn.Close()
		return
	}

	e.tlssrv.Prepare(host, func() {
		local, err := net.DialTimeout("tcp", e.tlssrv.Addr(), dialTimeout)
		if err != nil {
			e.log.WithError(err).Error("tls server dial failed")
			conn.Close()
			return
		}
		defer local.Close()
		defer conn.Close()
		splice(local, conn, brw.Reader)
	})
}

// splice shuttles bytes between the client and an upstream connection,
// draining buffered client bytes first. It returns once both directions
// have finished, reporting client->upstream and upstream->client byte counts.
func splice(upstream, client net.Conn, buffered *bufio.Reader) (up, down int64) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(upstream, buffered)
		up = n
		_ = closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, upstream)
		down = n
		_ = closeWrite(client)
		done <- struct{}{}
	}()
	<-done
	<-done
	return up, down
}

func closeWrite(c net.Conn) error {
	if tc, ok := c.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

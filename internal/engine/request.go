package engine

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
	"github.com/NanoAdblockerLab/NanoProxy/internal/patch"
)

const synthServer = "Apache/2.4.7 (Ubuntu)"

// serveRequest handles one absolute-URI transaction, either straight off
// the proxy listener or re-entered from a terminated tunnel.
func (e *Engine) serveRequest(w http.ResponseWriter, r *http.Request, useTLS bool) {
	if r.URL == nil || r.URL.Scheme == "" || r.URL.Host == "" {
		// A path-only target means the client is talking to us as an
		// origin, or looping through itself. Drop without a response.
		destroy(w)
		return
	}
	reqID := e.ids.next()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		destroy(w)
		return
	}
	if len(body) > 0 && bodylessMethod(r.Method) {
		e.log.WithFields(map[string]interface{}{
			"method": r.Method, "url": r.URL.Redacted(),
		}).Warn("request body on a bodyless method")
	}
	referer := r.Header.Get("Referer")

	type verdict struct {
		d    patch.Decision
		body []byte
	}
	ch := make(chan verdict, 1)
	e.hooks.OnRequest(referer, r.URL, body, r.Header, reqID, func(d patch.Decision, b []byte) {
		ch <- verdict{d: d, body: b}
	})
	v := <-ch
	if !v.d.ValidForRequest() {
		e.log.Fatalf("request hook returned %s decision", v.d.Kind())
	}

	switch v.d.Kind() {
	case patch.KindDeny:
		destroy(w)
	case patch.KindEmpty:
		e.synthesize(w, r, v.d.Headers, nil)
	case patch.KindRedirect:
		if v.d.RedirectLocation == nil {
			e.synthesize(w, r, v.d.Headers, v.d.RedirectText)
			return
		}
		e.forward(w, r, v.d.RedirectLocation, v.body, referer, reqID)
	case patch.KindAllow:
		e.forward(w, r, r.URL, v.body, referer, reqID)
	}
}

// synthesize answers 200 locally. The Content-Type defaults to the first
// concrete type the client said it accepts, and the Server header mimics a
// stock origin rather than advertising a proxy.
func (e *Engine) synthesize(w http.ResponseWriter, r *http.Request, extra http.Header, body []byte) {
	h := w.Header()
	for k, vs := range extra {
		h[http.CanonicalHeaderKey(k)] = vs
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", patch.FirstMIME(r.Header.Get("Accept")))
	}
	if h.Get("Server") == "" {
		h.Set("Server", synthServer)
	}
	h.Del("Public-Key-Pins")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

func (e *Engine) forward(w http.ResponseWriter, r *http.Request, dest *url.URL, body []byte, referer string, reqID uint64) {
	destCopy := *dest
	out, err := http.NewRequestWithContext(r.Context(), r.Method, destCopy.String(), bytes.NewReader(body))
	if err != nil {
		destroy(w)
		return
	}
	copyOutboundHeaders(out.Header, r.Header)
	// Pin the encodings we know how to undo.
	out.Header.Set("Accept-Encoding", "gzip, deflate")
	out.ContentLength = int64(len(body))
	if u := destCopy.User; u != nil {
		pw, _ := u.Password()
		out.SetBasicAuth(u.Username(), pw)
		out.URL.User = nil
	}

	overTLS := strings.EqualFold(destCopy.Scheme, "https")
	agent := e.pool.Get(httpVersion(r), r.Header, overTLS)
	rt := &metrics.Transport{Base: agent.Transport(), Agg: e.stats}
	resp, err := rt.RoundTrip(out)
	if err != nil {
		e.log.WithError(err).WithField("url", destCopy.Redacted()).Warn("upstream request failed")
		destroy(w)
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.log.WithError(err).WithField("url", destCopy.Redacted()).Warn("upstream body read failed")
		destroy(w)
		return
	}

	header := cloneHeader(resp.Header)
	var final []byte
	if isTextual(patch.FirstMIME(header.Get("Content-Type"))) {
		decoded, err := decodeBody(respBody, header.Get("Content-Encoding"))
		if err != nil {
			e.log.WithError(err).WithField("url", destCopy.Redacted()).Warn("upstream body decode failed")
			destroy(w)
			return
		}
		header.Set("Content-Encoding", "identity")
		ch := make(chan string, 1)
		e.hooks.OnTextResponse(referer, &destCopy, string(decoded), header, reqID, func(s string) {
			ch <- s
		})
		final = []byte(<-ch)
	} else {
		ch := make(chan []byte, 1)
		e.hooks.OnOtherResponse(referer, &destCopy, respBody, header, reqID, func(b []byte) {
			ch <- b
		})
		final = <-ch
	}

	emit(w, resp.StatusCode, header, final)
}

// emit writes the final response with a recomputed Content-Length and no
// Public-Key-Pins header.
func emit(w http.ResponseWriter, status int, header http.Header, body []byte) {
	h := w.Header()
	for k, vs := range header {
		switch k {
		case "Public-Key-Pins", "Content-Length", "Transfer-Encoding":
			continue
		}
		h[k] = vs
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// hop-by-hop and engine-owned headers never cross to the upstream side.
var skipOutbound = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Accept-Encoding":     {},
	"Content-Length":      {},
}

func copyOutboundHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := skipOutbound[k]; skip {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// isTextual reports whether a media type goes through the text pipeline:
// text/*, */xml and */xhtml+xml.
func isTextual(mediaType string) bool {
	return strings.HasPrefix(mediaType, "text/") ||
		strings.HasSuffix(mediaType, "/xml") ||
		strings.HasSuffix(mediaType, "/xhtml+xml")
}

func bodylessMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodTrace:
		return true
	}
	return false
}

// decodeBody undoes the Content-Encoding the engine forced upstream.
// "deflate" tries the RFC zlib wrapper first and falls back to the raw
// stream some origins serve.
func decodeBody(b []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(b))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return b, nil
	}
}

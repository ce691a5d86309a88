package metrics

import (
	"io"
	"net/http"
	"time"
)

// countingBody counts bytes as they pass through and reports the total
// once the reader is closed.
type countingBody struct {
	rc      io.ReadCloser
	n       int64
	onClose func(total int64)
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingBody) Close() error {
	err := c.rc.Close()
	if c.onClose != nil {
		c.onClose(c.n)
		c.onClose = nil
	}
	return err
}

// Transport wraps a RoundTripper and records one RequestEvent per exchange.
// The event fires when the caller closes the response body, so byte counts
// reflect what was actually read.
type Transport struct {
	Base http.RoundTripper
	Agg  *Aggregator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()

	var sent *countingBody
	if req.Body != nil {
		sent = &countingBody{rc: req.Body}
		req.Body = sent
	}

	host := req.URL.Hostname()
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		if t.Agg != nil {
			t.Agg.Add(RequestEvent{
				Ts:     time.Now().UTC(),
				Host:   host,
				Method: req.Method,
				Path:   path,
				Code:   0,
				Ms:     time.Since(start).Milliseconds(),
			})
		}
		return resp, err
	}

	if resp.Body != nil && t.Agg != nil {
		code := resp.StatusCode
		rb := &countingBody{rc: resp.Body}
		rb.onClose = func(total int64) {
			var out int64
			if sent != nil {
				out = sent.n
			}
			t.Agg.Add(RequestEvent{
				Ts:       time.Now().UTC(),
				Host:     host,
				Method:   req.Method,
				Path:     path,
				Code:     code,
				Ms:       time.Since(start).Milliseconds(),
				BytesIn:  total,
				BytesOut: out,
			})
		}
		resp.Body = rb
	}
	return resp, nil
}

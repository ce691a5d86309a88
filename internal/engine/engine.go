// Package engine contains the interception core: the request engine for
// absolute-URI traffic, the CONNECT tunnel engine, and the dynamic
// SNI-multiplexed TLS server that terminated tunnels re-enter.
package engine

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/NanoAdblockerLab/NanoProxy/internal/agentpool"
	"github.com/NanoAdblockerLab/NanoProxy/internal/auth"
	"github.com/NanoAdblockerLab/NanoProxy/internal/certca"
	"github.com/NanoAdblockerLab/NanoProxy/internal/config"
	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
	"github.com/NanoAdblockerLab/NanoProxy/internal/patch"
	"github.com/NanoAdblockerLab/NanoProxy/internal/rules"
)

// Engine owns every cache and collaborator: the CA store, the agent pool,
// the hook set, the dynamic TLS server and the listeners. Nothing is
// process-global.
type Engine struct {
	cfg   *config.Config
	log   *logrus.Logger
	pool  *agentpool.Pool
	certs *certca.Store
	hooks *patch.Set
	auth  auth.Basic
	stats *metrics.Aggregator
	ids   idSource

	tlssrv *TLSServer
	srv    *http.Server
	ln     net.Listener
}

// New wires an engine from configuration. A nil hook set uses the defaults
// with the configured interception rules as CONNECT policy.
func New(cfg *config.Config, log *logrus.Logger, hooks *patch.Set, stats *metrics.Aggregator) (*Engine, error) {
	store := certca.NewStore(certca.Config{
		Dir:       cfg.Certs.Dir,
		SelfName:  cfg.Certs.SelfName,
		Domains:   cfg.ProxyDomains,
		IPs:       cfg.ParsedIPs(),
		CacheSize: cfg.Certs.CacheSize,
	}, log)
	if err := store.Init(); err != nil {
		return nil, err
	}

	policy := rules.New(cfg.Mode, cfg.InterceptList)
	if hooks == nil {
		hooks = patch.Defaults(policy)
	} else {
		hooks = hooks.Filled(policy)
	}
	if stats == nil {
		stats = metrics.NewAggregator()
	}

	e := &Engine{
		cfg:   cfg,
		log:   log,
		pool:  agentpool.New(cfg.Egress.DNSMode),
		certs: store,
		hooks: hooks,
		auth: auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		},
		stats: stats,
	}
	e.tlssrv = newTLSServer(e, store, log, cfg.TLSPort)
	e.srv = &http.Server{
		Handler:        http.HandlerFunc(e.handle),
		ReadTimeout:    cfg.Limits.ReadTimeout,
		WriteTimeout:   cfg.Limits.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return e, nil
}

// Certs exposes the CA store, mainly so front-ends can export the CA
// certificate for client trust stores.
func (e *Engine) Certs() *certca.Store { return e.certs }

// Stats exposes the metrics aggregator.
func (e *Engine) Stats() *metrics.Aggregator { return e.stats }

// ListenAndServe starts the dynamic TLS server and the main listener and
// blocks serving the latter.
func (e *Engine) ListenAndServe() error {
	if err := e.tlssrv.start(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return err
	}
	if e.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, e.cfg.Limits.MaxConns)
	}
	if e.cfg.UseTLS {
		pair, err := e.certs.Self().TLS()
		if err != nil {
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{*pair},
			NextProtos:   []string{"http/1.1"},
		})
	}
	e.ln = ln
	e.log.Infof("listening on %s", e.cfg.Listen)
	return e.srv.Serve(ln)
}

// Shutdown stops both listeners.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.tlssrv.close()
	return e.srv.Shutdown(ctx)
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	if !e.auth.Check(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="nanoproxy"`)
		http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
		return
	}
	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	e.serveRequest(w, r, e.cfg.UseTLS)
}

// destroy tears the client connection down without writing a response.
// Recoverable failures deliberately look like plain socket closures, not
// proxy-generated error pages.
func destroy(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

func httpVersion(r *http.Request) string {
	switch {
	case r.ProtoMajor == 1 && r.ProtoMinor == 0:
		return "1.0"
	default:
		return "1.1"
	}
}

package engine

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/NanoAdblockerLab/NanoProxy/internal/certca"
)

// TLSServer is the SNI-multiplexed interception target. It starts with no
// host contexts; tunnels call Prepare before splicing bytes into it, and an
// unprepared SNI name is signed inline so the server keeps serving new
// hosts without restart. Terminated requests re-enter the request engine
// with an https URL synthesised from the Host header.
type TLSServer struct {
	engine *Engine
	store  *certca.Store
	log    *logrus.Logger
	port   int

	mu    sync.Mutex
	hosts map[string]struct{}          // hosts whose leaf has been installed
	certs map[string]*tls.Certificate  // cache key -> leaf pair

	ln  net.Listener
	srv *http.Server
}

func newTLSServer(e *Engine, store *certca.Store, log *logrus.Logger, port int) *TLSServer {
	return &TLSServer{
		engine: e,
		store:  store,
		log:    log,
		port:   port,
		hosts:  make(map[string]struct{}),
		certs:  make(map[string]*tls.Certificate),
	}
}

func (t *TLSServer) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.port))
	if err != nil {
		return fmt.Errorf("tls server listen: %w", err)
	}
	t.ln = ln
	tlsLn := tls.NewListener(ln, &tls.Config{
		GetCertificate: t.getCertificate,
		NextProtos:     []string{"http/1.1"},
	})
	t.srv = &http.Server{Handler: http.HandlerFunc(t.handle)}
	go func() {
		if err := t.srv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			t.log.WithError(err).Error("tls server stopped")
		}
	}()
	t.log.Debugf("tls interception server on %s", ln.Addr())
	return nil
}

// Addr returns the dialable address of the listener.
func (t *TLSServer) Addr() string { return t.ln.Addr().String() }

func (t *TLSServer) close() {
	if t.srv != nil {
		_ = t.srv.Close()
	}
}

// Prepare ensures a leaf for host is installed, then invokes cb. The
// callback always fires on a later frame than the call. At most one context
// install happens per host: the signer coalesces concurrent requests and
// the membership check stops a second install.
func (t *TLSServer) Prepare(host string, cb func()) {
	t.mu.Lock()
	if _, ok := t.hosts[host]; ok {
		t.mu.Unlock()
		go cb()
		return
	}
	t.mu.Unlock()

	t.store.Sign(host, func(m *certca.Material) {
		t.install(host, m)
		cb()
	})
}

func (t *TLSServer) install(host string, m *certca.Material) {
	pair, err := m.TLS()
	if err != nil {
		t.log.WithError(err).WithField("host", host).Error("unusable leaf material")
		return
	}
	key := certca.CacheKey(host)
	t.mu.Lock()
	t.hosts[host] = struct{}{}
	if _, ok := t.certs[key]; !ok {
		t.certs[key] = pair
	}
	t.mu.Unlock()
}

func (t *TLSServer) getCertificate(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := chi.ServerName
	if name == "" {
		return t.store.Self().TLS()
	}
	key := certca.CacheKey(name)
	t.mu.Lock()
	pair, ok := t.certs[key]
	t.mu.Unlock()
	if ok {
		return pair, nil
	}
	// SNI name nobody prepared: sign inline and keep serving.
	m := t.store.SignWait(name)
	t.install(name, m)
	return m.TLS()
}

func (t *TLSServer) handle(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" && r.TLS != nil {
		host = r.TLS.ServerName
	}
	if host == "" {
		destroy(w)
		return
	}
	r.URL.Scheme = "https"
	r.URL.Host = host
	r.Host = host
	t.engine.serveRequest(w, r, true)
}

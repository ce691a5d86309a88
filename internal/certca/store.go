// Package certca implements the proxy's certificate authority: a
// self-signed root plus an on-demand leaf signer with a wildcard-aware,
// disk-backed certificate cache.
package certca

import (
	"fmt"
	"net"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// Callback receives signed leaf material. Callbacks are always invoked on a
// later frame than the Sign call that registered them, never synchronously,
// and callbacks queued on one in-flight signing fire in registration order.
type Callback func(*Material)

const defaultCacheSize = 1024

// Config carries the store's identity and persistence settings.
type Config struct {
	// Dir is the on-disk root for the CA and leaf triples.
	Dir string
	// SelfName is the host the proxy itself answers as.
	SelfName string
	// Domains and IPs become the SANs of the CA and the proxy-self leaf.
	Domains []string
	IPs     []net.IP
	// CacheSize bounds the in-memory cache of signed leaves. Disk stays
	// authoritative, so eviction only costs a reload.
	CacheSize int
}

type entry struct {
	waiters []Callback
}

// Store owns the CA material, the proxy-self leaf and the leaf cache.
type Store struct {
	dir      string
	selfName string
	selfKey  string
	domains  []string
	ips      []net.IP
	log      *logrus.Logger

	ca   *CA
	self *Material

	mu       sync.Mutex
	initDone bool
	pending  map[string]*entry
	ready    *lru.Cache
}

func NewStore(cfg Config, log *logrus.Logger) *Store {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New(size)
	selfName := cfg.SelfName
	if selfName == "" {
		selfName = "localhost"
	}
	return &Store{
		dir:      cfg.Dir,
		selfName: selfName,
		selfKey:  CacheKey(selfName),
		domains:  cfg.Domains,
		ips:      cfg.IPs,
		log:      log,
		pending:  make(map[string]*entry),
		ready:    cache,
	}
}

// Init loads or generates the CA and the proxy-self leaf. It is idempotent
// and must complete before Sign is used.
func (s *Store) Init() error {
	s.mu.Lock()
	if s.initDone {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.initCA(); err != nil {
		return err
	}
	if err := s.initSelf(); err != nil {
		return err
	}

	s.mu.Lock()
	s.initDone = true
	s.mu.Unlock()
	return nil
}

func (s *Store) initCA() error {
	ca, err := s.loadCAMaterial()
	switch {
	case err == nil && !expiringWithin(ca.Cert, caRotateBelow):
		s.ca = ca
		return nil
	case err == nil:
		s.log.Info("certificate authority is close to expiry, regenerating; previously signed leaves may still be in circulation")
	case !os.IsNotExist(err):
		s.log.WithError(err).Warn("stored certificate authority unreadable, regenerating")
	}
	fresh, err := generateCA(s.domains, s.ips)
	if err != nil {
		return err
	}
	if err := s.writeCAMaterial(fresh); err != nil {
		return fmt.Errorf("persist ca: %w", err)
	}
	s.ca = fresh
	return nil
}

func (s *Store) initSelf() error {
	names := append([]string{}, s.domains...)
	if !contains(names, s.selfName) {
		names = append(names, s.selfName)
	}
	if m, err := s.loadLeafMaterial(s.selfKey); err == nil {
		if leaf, lerr := m.Leaf(); lerr == nil &&
			!expiringWithin(leaf, leafRotateBelow) &&
			leaf.CheckSignatureFrom(s.ca.Cert) == nil {
			s.self = m
			return nil
		}
	}
	m, err := s.ca.signLeaf(names, s.ips)
	if err != nil {
		return err
	}
	if err := s.writeLeafMaterial(s.selfKey, m); err != nil {
		return fmt.Errorf("persist proxy leaf: %w", err)
	}
	s.self = m
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CAPEM returns the PEM-encoded CA certificate for export to clients.
func (s *Store) CAPEM() []byte { return s.ca.CertPEM }

// CACert exposes the parsed CA certificate.
func (s *Store) CACert() *CA { return s.ca }

// Self returns the pinned proxy-self leaf.
func (s *Store) Self() *Material { return s.self }

// Sign delivers leaf material for host to cb. Hosts sharing a cache key
// share material; concurrent calls for the same key trigger at most one
// generation, with all callers observing identical bytes.
func (s *Store) Sign(host string, cb Callback) {
	key := CacheKey(host)

	s.mu.Lock()
	if !s.initDone {
		s.mu.Unlock()
		s.log.Panic("certca: Sign called before Init")
	}
	if key == s.selfKey {
		m := s.self
		s.mu.Unlock()
		go cb(m)
		return
	}
	if v, ok := s.ready.Get(key); ok {
		m := v.(*Material)
		s.mu.Unlock()
		go cb(m)
		return
	}
	if e, ok := s.pending[key]; ok {
		e.waiters = append(e.waiters, cb)
		s.mu.Unlock()
		return
	}
	e := &entry{waiters: []Callback{cb}}
	s.pending[key] = e
	s.mu.Unlock()

	go s.produce(key, host)
}

// SignWait is the blocking form of Sign.
func (s *Store) SignWait(host string) *Material {
	ch := make(chan *Material, 1)
	s.Sign(host, func(m *Material) { ch <- m })
	return <-ch
}

func (s *Store) produce(key, host string) {
	var m *Material
	if loaded, err := s.loadLeafMaterial(key); err == nil {
		leaf, lerr := loaded.Leaf()
		if lerr == nil && !expiringWithin(leaf, leafRotateBelow) &&
			leaf.CheckSignatureFrom(s.ca.Cert) == nil {
			m = loaded
		}
	}
	if m == nil {
		signed, err := s.ca.signLeaf(sanNames(host), nil)
		if err != nil {
			s.log.WithError(err).WithField("host", host).Error("leaf generation failed")
			panic(err)
		}
		if err := s.writeLeafMaterial(key, signed); err != nil {
			s.log.WithError(err).WithField("host", host).Error("leaf persistence failed")
			panic(err)
		}
		m = signed
	}
	s.complete(key, m)
}

func (s *Store) complete(key string, m *Material) {
	s.mu.Lock()
	e := s.pending[key]
	delete(s.pending, key)
	s.ready.Add(key, m)
	var waiters []Callback
	if e != nil {
		waiters = e.waiters
		e.waiters = nil
	}
	s.mu.Unlock()

	for _, cb := range waiters {
		cb(m)
	}
}

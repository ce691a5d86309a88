// Package agentpool hands out outbound connection agents keyed by the
// keep-alive parameters a client negotiated.
package agentpool

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FloatTech/ttl"

	"github.com/NanoAdblockerLab/NanoProxy/internal/egress"
)

// How long an idle timeout-keyed agent survives without being asked for
// again. The close and default agents are pinned and never evicted.
const agentIdleTTL = time.Hour

// An Agent owns one outbound connection pool.
type Agent struct {
	key string
	rt  *http.Transport
}

// Key reports the agent's pool key: "close", "default", or the keep-alive
// timeout in milliseconds.
func (a *Agent) Key() string { return a.key }

// Transport exposes the agent's connection pool.
func (a *Agent) Transport() *http.Transport { return a.rt }

// Pool maintains separate agent sets for cleartext and TLS upstreams.
type Pool struct {
	plain *agentSet
	tls   *agentSet
}

type agentSet struct {
	mu         sync.Mutex
	closeAgent *Agent
	defAgent   *Agent
	timed      *ttl.Cache[int64, *Agent]
	build      func(key string, keepAlive bool, idle time.Duration) *Agent
}

func New(dnsMode string) *Pool {
	plainDial := egress.Dialer()
	tlsDial := egress.TLSDialer(dnsMode)

	buildPlain := func(key string, keepAlive bool, idle time.Duration) *Agent {
		return &Agent{key: key, rt: &http.Transport{
			DialContext:           plainDial,
			DisableKeepAlives:     !keepAlive,
			MaxIdleConns:          100,
			IdleConnTimeout:       idle,
			ExpectContinueTimeout: time.Second,
		}}
	}
	buildTLS := func(key string, keepAlive bool, idle time.Duration) *Agent {
		return &Agent{key: key, rt: &http.Transport{
			DialTLSContext:        tlsDial,
			DisableKeepAlives:     !keepAlive,
			MaxIdleConns:          100,
			IdleConnTimeout:       idle,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}}
	}
	return &Pool{
		plain: newAgentSet(buildPlain),
		tls:   newAgentSet(buildTLS),
	}
}

func newAgentSet(build func(string, bool, time.Duration) *Agent) *agentSet {
	return &agentSet{
		closeAgent: build("close", false, 0),
		defAgent:   build("default", true, 90*time.Second),
		timed:      ttl.NewCache[int64, *Agent](agentIdleTTL),
		build:      build,
	}
}

// Get selects the agent for one inbound transaction.
//
// HTTP/1.0 without an explicit keep-alive, or any request carrying
// Connection: close, gets the non-pooling close agent. A Keep-Alive header
// with a well-formed timeout gets an agent keyed on that timeout, created on
// first use. Everything else shares the default keep-alive agent.
func (p *Pool) Get(httpVersion string, header http.Header, useTLS bool) *Agent {
	set := p.plain
	if useTLS {
		set = p.tls
	}
	conn := strings.ToLower(header.Get("Connection"))
	if (httpVersion == "1.0" && conn != "keep-alive") || conn == "close" {
		return set.closeAgent
	}
	if ka := header.Get("Keep-Alive"); ka != "" {
		if msecs, ok := parseKeepAliveTimeout(ka); ok {
			return set.timedAgent(msecs)
		}
	}
	return set.defAgent
}

func (s *agentSet) timedAgent(msecs int64) *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.timed.Get(msecs); a != nil {
		return a
	}
	a := s.build(strconv.FormatInt(msecs, 10), true, time.Duration(msecs)*time.Millisecond)
	s.timed.Set(msecs, a)
	return a
}

// parseKeepAliveTimeout extracts timeout=T from a Keep-Alive header value
// and returns it in milliseconds. Malformed or non-positive timeouts are
// ignored.
func parseKeepAliveTimeout(value string) (int64, bool) {
	for _, part := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "timeout") {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(secs) || secs <= 0 || secs > 1<<31 {
			return 0, false
		}
		return int64(secs * 1000), true
	}
	return 0, false
}

// Package metrics aggregates per-transaction events: totals, status code
// and per-host breakdowns, plus a bounded backlog for live subscribers.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestEvent is one finished transaction or tunnel. Only metadata is
// recorded; bodies never reach this package.
type RequestEvent struct {
	Ts       time.Time `json:"ts"`
	Host     string    `json:"host"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Code     int       `json:"code"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
}

type hostStat struct {
	Req      uint64 `json:"req"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

// Snapshot is the point-in-time JSON shape served by the metrics endpoint.
type Snapshot struct {
	UptimeSec     uint64              `json:"uptimeSec"`
	TotalRequests uint64              `json:"totalRequests"`
	Codes         map[int]uint64      `json:"codes"`
	BytesIn       uint64              `json:"bytesIn"`
	BytesOut      uint64              `json:"bytesOut"`
	Hosts         map[string]hostStat `json:"hosts"`
}

const backlogSize = 200

type Aggregator struct {
	startedAt     time.Time
	totalRequests atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64

	mu      sync.Mutex
	codes   map[int]uint64
	hosts   map[string]hostStat
	backlog []RequestEvent

	subMu sync.Mutex
	subs  map[chan RequestEvent]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		codes:     make(map[int]uint64),
		hosts:     make(map[string]hostStat),
		backlog:   make([]RequestEvent, 0, backlogSize),
		subs:      make(map[chan RequestEvent]struct{}),
	}
}

// Add records one event and broadcasts it to subscribers without blocking.
func (a *Aggregator) Add(ev RequestEvent) {
	a.totalRequests.Add(1)
	if ev.BytesIn > 0 {
		a.bytesIn.Add(uint64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		a.bytesOut.Add(uint64(ev.BytesOut))
	}

	a.mu.Lock()
	a.codes[ev.Code]++
	hs := a.hosts[ev.Host]
	hs.Req++
	if ev.BytesIn > 0 {
		hs.BytesIn += uint64(ev.BytesIn)
	}
	if ev.BytesOut > 0 {
		hs.BytesOut += uint64(ev.BytesOut)
	}
	a.hosts[ev.Host] = hs
	if len(a.backlog) >= backlogSize {
		n := copy(a.backlog, a.backlog[1:])
		a.backlog = a.backlog[:n]
	}
	a.backlog = append(a.backlog, ev)
	a.mu.Unlock()

	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSec:     uint64(time.Since(a.startedAt).Seconds()),
		TotalRequests: a.totalRequests.Load(),
		BytesIn:       a.bytesIn.Load(),
		BytesOut:      a.bytesOut.Load(),
		Codes:         make(map[int]uint64),
		Hosts:         make(map[string]hostStat),
	}
	a.mu.Lock()
	for k, v := range a.codes {
		s.Codes[k] = v
	}
	for k, v := range a.hosts {
		s.Hosts[k] = v
	}
	a.mu.Unlock()
	return s
}

// Subscribe returns a channel of future events, primed with a replay of the
// recent backlog, and a cancel function that detaches and closes it.
func (a *Aggregator) Subscribe() (chan RequestEvent, func()) {
	ch := make(chan RequestEvent, 64)
	a.mu.Lock()
	replay := make([]RequestEvent, len(a.backlog))
	copy(replay, a.backlog)
	a.mu.Unlock()

	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()

	go func() {
		for _, ev := range replay {
			select {
			case ch <- ev:
			default:
			}
		}
	}()

	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}

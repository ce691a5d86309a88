package engine

import "sync/atomic"

// idSource hands out process-unique, monotonically increasing request ids.
// A CONNECT tunnel and the requests unwrapped from it get distinct ids.
type idSource struct {
	n atomic.Uint64
}

func (s *idSource) next() uint64 { return s.n.Add(1) }

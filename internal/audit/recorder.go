package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
)

// Recorder drains a live event subscription into the store on its own
// goroutine. Stop detaches the subscription and waits for the drain to end.
type Recorder struct {
	store  *Store
	log    *logrus.Logger
	cancel func()
	done   chan struct{}
}

// NewRecorder subscribes to the aggregator and starts persisting events.
func NewRecorder(store *Store, agg *metrics.Aggregator, log *logrus.Logger) *Recorder {
	ch, cancel := agg.Subscribe()
	r := &Recorder{
		store:  store,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ch)
	return r
}

func (r *Recorder) run(ch chan metrics.RequestEvent) {
	defer close(r.done)
	for ev := range ch {
		if err := r.store.Record(context.Background(), ev); err != nil {
			r.log.WithError(err).Warn("audit record failed")
		}
	}
}

// Stop ends the subscription and blocks until buffered events are written.
func (r *Recorder) Stop() {
	r.cancel()
	<-r.done
}

package metrics

import (
	"sync"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
)

// Call status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CallTracker scopes one RPC: Track raises the active-connection gauge and
// Done records the outcome.
type CallTracker struct {
	rec     *Recorder
	service string
	method  string
	timer   *Timer
	once    sync.Once
}

// Track starts tracking a call.
func (r *Recorder) Track(service, method string) *CallTracker {
	r.activeConnections.Inc()
	return &CallTracker{rec: r, service: service, method: method, timer: NewTimer()}
}

// Done always records duration and a call count. On error it also counts an
// exception labelled with the error kind. Calls after the first are ignored.
func (t *CallTracker) Done(err error) {
	t.once.Do(func() {
		t.rec.activeConnections.Dec()
		t.timer.ObserveDurationVec(t.rec.callDuration, t.service, t.method)

		status := StatusSuccess
		if err != nil {
			status = StatusError
			t.rec.callExceptions.WithLabelValues(t.service, t.method, string(rpcerr.KindOf(err))).Inc()
		}
		t.rec.callsTotal.WithLabelValues(t.service, t.method, status).Inc()
	})
}

package control

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// debouncer coalesces a burst of server events into one callback. The first
// event of a batch arms a timer; everything arriving within the window joins
// the batch. The buffer is capped, events beyond the cap are dropped with a
// warning rather than growing without bound during an event storm.
type debouncer struct {
	logger    log.Logger
	window    time.Duration
	maxEvents int
	callback  func([]cqlproto.Frame)

	mu      sync.Mutex
	events  []cqlproto.Frame
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, maxEvents int, callback func([]cqlproto.Frame), logger log.Logger) *debouncer {
	return &debouncer{
		logger:    logger,
		window:    window,
		maxEvents: maxEvents,
		callback:  callback,
	}
}

func (d *debouncer) debounce(frame cqlproto.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if len(d.events) >= d.maxEvents {
		level.Warn(d.logger).Log("msg", "event buffer full, dropping event", "frame", frame)
		return
	}
	d.events = append(d.events, frame)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	events := d.events
	d.events = nil
	d.timer = nil
	stopped := d.stopped
	d.mu.Unlock()

	if !stopped && len(events) > 0 {
		d.callback(events)
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.events = nil
	d.mu.Unlock()
}

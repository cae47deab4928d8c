package timers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Debounce coalesces service requests into one flush per window. Trigger
// arms the window on the first call and is a no-op while one is armed;
// when it elapses, flush runs once on a timer goroutine with no Debounce
// lock held. A window of zero flushes synchronously inside Trigger.
//
// Each armed window gets a correlation id carried in the log lines, so a
// flush can be tied back to the burst of requests that opened it.
type Debounce struct {
	window time.Duration
	flush  func()
	logger *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	armed  bool
	windowID string
	closed bool
}

// NewDebounce creates a debouncer around flush.
func NewDebounce(window time.Duration, flush func(), logger *slog.Logger) *Debounce {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debounce{window: window, flush: flush, logger: logger}
}

// Trigger arms the window, or joins the one already armed.
func (d *Debounce) Trigger() {
	if d.window <= 0 {
		d.flush()
		return
	}

	d.mu.Lock()
	if d.closed || d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = true
	d.windowID = uuid.NewString()
	id := d.windowID
	d.timer = time.AfterFunc(d.window, func() { d.fire(id) })
	d.mu.Unlock()

	d.logger.Debug("debounce: window opened", "window_id", id, "window", d.window)
}

func (d *Debounce) fire(id string) {
	d.mu.Lock()
	if d.closed || !d.armed || d.windowID != id {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.mu.Unlock()

	d.logger.Debug("debounce: window flushed", "window_id", id)
	d.flush()
}

// FlushNow fires the pending window immediately, if armed. Used when the
// proxy becomes registered and buffered requests must not wait out a
// window opened while deregistered.
func (d *Debounce) FlushNow() {
	d.mu.Lock()
	if d.closed || !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer.Stop()
	id := d.windowID
	d.mu.Unlock()

	d.logger.Debug("debounce: window flushed early", "window_id", id)
	d.flush()
}

// Stop cancels any armed window; the debouncer refuses further triggers.
func (d *Debounce) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.armed = false
}

package timers

import (
	"log/slog"
	"sync"
	"time"
)

// Keepalive drives the PING/PONG exchange once the proxy is registered.
// Every interval it checks whether a PONG arrived since the previous tick;
// a missed interval invokes onMiss, which posts a client error for the
// routing host and thereby restarts the transport.
//
// send and onMiss run on the timer goroutine with no Keepalive lock held,
// so they may call into the transport sender freely.
type Keepalive struct {
	interval time.Duration
	send     func() bool
	onMiss   func()
	logger   *slog.Logger

	mu      sync.Mutex
	alive   bool
	running bool
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewKeepalive creates a stopped keepalive. send emits one PING and
// reports transport success; onMiss is invoked at most once per missed
// interval.
func NewKeepalive(interval time.Duration, send func() bool, onMiss func(), logger *slog.Logger) *Keepalive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{interval: interval, send: send, onMiss: onMiss, logger: logger}
}

// Start begins ticking. The first interval is granted for free: the host
// has a full interval to answer the first PING.
func (k *Keepalive) Start() {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return
	}
	k.running = true
	k.alive = true
	k.stopCh = make(chan struct{})
	k.ticker = time.NewTicker(k.interval)
	ticker, stopCh := k.ticker, k.stopCh
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				k.tick()
			}
		}
	}()
}

func (k *Keepalive) tick() {
	k.mu.Lock()
	missed := !k.alive
	k.alive = false
	running := k.running
	k.mu.Unlock()
	if !running {
		return
	}

	if missed {
		k.logger.Warn("keepalive: no pong within interval, reporting routing host lost")
		if k.onMiss != nil {
			k.onMiss()
		}
		return
	}
	if !k.send() {
		k.logger.Warn("keepalive: ping send failed")
	}
}

// Pong marks the host alive; called for every incoming PONG.
func (k *Keepalive) Pong() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.alive = true
}

// Stop cancels ticking. Safe to call on a stopped keepalive.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.ticker.Stop()
	close(k.stopCh)
	k.mu.Unlock()
	k.wg.Wait()
}

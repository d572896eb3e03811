// Package health backs the pricing service's /livez and /readyz endpoints.
//
// Every registered probe runs on its own ticker goroutine. Probes flip state
// on consecutive observations only, so a single slow database ping does not
// take the service out of rotation: a probe must fail failAfter times in a
// row to be reported down, and pass recoverAfter times to come back.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc observes one dependency. Nil means the dependency is usable.
type CheckFunc func(ctx context.Context) error

// Probe state transitions happen only in observe, which runs on a single
// goroutine per probe. The up flag and failure pointer cross goroutines to
// the HTTP handlers, so those two are atomic; the streak counters are not.
type probe struct {
	name    string
	timeout time.Duration
	check   CheckFunc

	failAfter    int
	recoverAfter int

	up      atomic.Bool
	failure atomic.Pointer[error]

	failStreak int
	okStreak   int
}

func (p *probe) observe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.failure.Store(&err)

	if err != nil {
		p.okStreak = 0
		p.failStreak++
		if p.failStreak >= p.failAfter {
			p.up.Store(false)
		}
		return
	}
	p.failStreak = 0
	p.okStreak++
	if p.okStreak >= p.recoverAfter {
		p.up.Store(true)
	}
}

func (p *probe) lastFailure() error {
	if e := p.failure.Load(); e != nil {
		return *e
	}
	return nil
}

// Health aggregates liveness and readiness probes for one service instance.
//
// Readiness combines the probes with a manual gate: the service reports
// ready only after SetReady(true), which app startup flips once migrations
// and wiring are done, and SetReady(false) pulls it out of rotation ahead of
// a graceful shutdown.
type Health struct {
	gate atomic.Bool

	mu     sync.RWMutex
	live   []*probe
	ready  []*probe
	cancel context.CancelFunc
}

// New returns a Health with the gate closed.
func New() *Health {
	return &Health{}
}

func newProbe(name string, timeout time.Duration, check CheckFunc) *probe {
	p := &probe{
		name:         name,
		timeout:      timeout,
		check:        check,
		failAfter:    3,
		recoverAfter: 1,
	}
	// Until observed otherwise a probe counts as up, so registering a slow
	// dependency does not flap the endpoints at boot.
	p.up.Store(true)
	return p
}

// AddLivenessCheck registers a probe for /livez. Liveness is about the
// process itself (goroutine leaks, GC stalls), not about dependencies.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = append(h.live, newProbe(name, timeout, check))
}

// AddReadinessCheck registers a probe for /readyz: postgres, redis, the
// external tax provider.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, newProbe(name, timeout, check))
}

// Start launches one goroutine per registered probe, each observing at the
// given interval until ctx is cancelled or Stop is called. Register all
// probes before calling Start.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append(append([]*probe(nil), h.live...), h.ready...)
	h.mu.Unlock()

	for _, p := range probes {
		go func(p *probe) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			p.observe(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.observe(ctx)
				}
			}
		}(p)
	}
}

// Stop cancels the probe goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady opens or closes the manual readiness gate.
func (h *Health) SetReady(ready bool) {
	h.gate.Store(ready)
}

// IsReady reports whether the gate is open and every readiness probe is up.
func (h *Health) IsReady() bool {
	if !h.gate.Load() {
		return false
	}

	h.mu.RLock()
	probes := h.ready
	h.mu.RUnlock()

	for _, p := range probes {
		if !p.up.Load() {
			return false
		}
	}
	return true
}

// report is the body of both endpoints. Failures is present only when
// something is down, keyed by probe name.
type report struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

// LiveEndpoint serves /livez: 200 while every liveness probe is up, 503 with
// the failing probes otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	probes := append([]*probe(nil), h.live...)
	h.mu.RUnlock()

	respond(w, downProbes(probes))
}

// ReadyEndpoint serves /readyz: 200 only when the gate is open and every
// readiness probe is up.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	probes := append([]*probe(nil), h.ready...)
	h.mu.RUnlock()

	failures := downProbes(probes)
	if !h.gate.Load() {
		failures["service"] = "readiness gate closed"
	}
	respond(w, failures)
}

// downProbes reports each down probe's stored failure without re-running it.
func downProbes(probes []*probe) map[string]string {
	failures := make(map[string]string)
	for _, p := range probes {
		if p.up.Load() {
			continue
		}
		if err := p.lastFailure(); err != nil {
			failures[p.name] = err.Error()
		} else {
			failures[p.name] = "probe is down"
		}
	}
	return failures
}

func respond(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	rep := report{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		rep.Status = "failing"
		rep.Failures = failures
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	// The status line is already out; an encode error here means the client
	// went away.
	_ = json.NewEncoder(w).Encode(rep)
}

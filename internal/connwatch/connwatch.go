// Package connwatch tracks whether the services Mailroom depends on are
// reachable: the reasoning backend, the conversation store, each IMAP
// account and the MQTT broker.
//
// A Watcher probes one service. It first retries with exponential
// backoff until the service answers or the retry budget runs out, then
// settles into periodic polling. Every ready/down transition is logged,
// reported through the optional callbacks and published on the event
// bus, and the latest state of all watchers backs the health endpoint.
//
// httpkit retries individual requests over sub-second dial errors;
// connwatch is for outages measured in seconds to minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mailroom/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is implemented by the conversation stores, the reasoning
// clients and the IMAP client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to a ProbeFunc.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration

	// MaxDelay caps the growing wait.
	MaxDelay time.Duration

	// Multiplier grows the wait after each failed startup probe.
	Multiplier float64

	// MaxRetries bounds the startup probes before the watcher falls
	// back to polling.
	MaxRetries int

	// PollInterval is the background probe period.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig waits 2s, 4s, 8s and so on up to 60s between
// startup probes, gives up after 10 and then polls once a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero or negative fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the wait that follows delay.
func (b BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and health output
	// (e.g. "store", "imap:work").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine when the service becomes
	// reachable. Optional.
	OnReady func()

	// OnDown runs in its own goroutine when a reachable service stops
	// answering. Optional.
	OnDown func(err error)

	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service as served by the
// health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
	// Since is when Ready last changed.
	Since time.Time `json:"since,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	events *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
	since     time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
		Since:     w.since,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(w.probe(ctx))
		}
	}
}

// startup probes with backoff until the service answers or MaxRetries
// is spent. It returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		w.observe(err)
		if err == nil {
			return true
		}

		if attempt >= cfg.MaxRetries {
			logger.Warn("service unreachable at startup, polling in background",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = cfg.next(delay)
	}
}

// observe records a probe result and fires the transition hooks when
// readiness changes.
func (w *Watcher) observe(err error) {
	now := time.Now()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = now
	failures := w.failures
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	wasReady := w.ready.Load()
	changed := wasReady != (err == nil)
	if changed {
		w.ready.Store(err == nil)
		w.since = now
	}
	w.mu.Unlock()

	if !changed {
		if err != nil {
			w.config.Logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
		}
		return
	}

	if err == nil {
		w.config.Logger.Info("service ready", "service", w.config.Name, "failures", failures)
		w.events.Publish(events.Event{
			Source: events.SourceHealth,
			Kind:   events.KindServiceUp,
			Data:   map[string]any{"service": w.config.Name, "failures": failures},
		})
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
		return
	}

	w.config.Logger.Warn("service down", "service", w.config.Name, "error", err)
	w.events.Publish(events.Event{
		Source: events.SourceHealth,
		Kind:   events.KindServiceDown,
		Data:   map[string]any{"service": w.config.Name, "error": err.Error()},
	})
	if w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	events   *events.Bus
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// SetEventBus publishes transitions of watchers started after the call.
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.mu.Lock()
	m.events = bus
	m.mu.Unlock()
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. A second Watch with the same name replaces the
// first in Status but does not stop it.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	w := &Watcher{
		config: cfg,
		events: m.events,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// List returns the status of all watched services sorted by name.
func (m *Manager) List() []ServiceStatus {
	status := m.Status()
	out := make([]ServiceStatus, 0, len(status))
	for _, s := range status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready. A manager
// with no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

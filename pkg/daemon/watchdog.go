package daemon

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/types"
)

// WatchdogSnapshot is the self-health probe result.
type WatchdogSnapshot struct {
	MemoryMiB uint64 `json:"memoryMiB"`
	StoreOK   bool   `json:"storeOk"`
	Timestamp string `json:"timestamp"`
}

// Watchdog probes process memory and store reachability at an
// interval, invoking the breach callback when either looks wrong.
type Watchdog struct {
	interval  time.Duration
	threshold uint64 // MiB
	probe     func() error
	onBreach  func(reason string)

	mu   sync.Mutex
	last WatchdogSnapshot

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewWatchdog builds a watchdog. probe should touch a store cheaply;
// onBreach may be nil.
func NewWatchdog(interval time.Duration, thresholdMiB uint64, probe func() error, onBreach func(string)) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		interval:  interval,
		threshold: thresholdMiB,
		probe:     probe,
		onBreach:  onBreach,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("watchdog"),
	}
}

// Start begins the probe loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop ends the probe loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	w.Check()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Check()
		case <-w.stopCh:
			return
		}
	}
}

// Check runs one probe iteration and returns the snapshot.
func (w *Watchdog) Check() WatchdogSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := WatchdogSnapshot{
		MemoryMiB: ms.Alloc / (1 << 20),
		StoreOK:   true,
		Timestamp: types.Now(),
	}
	if w.probe != nil {
		if err := w.probe(); err != nil {
			snap.StoreOK = false
			w.logger.Error().Err(err).Msg("store probe failed")
		}
	}

	metrics.UpdateComponent("store", snap.StoreOK, "")
	if snap.MemoryMiB > w.threshold {
		w.breach("memory above threshold")
	} else if !snap.StoreOK {
		w.breach("store unreachable")
	}

	w.mu.Lock()
	w.last = snap
	w.mu.Unlock()
	return snap
}

func (w *Watchdog) breach(reason string) {
	w.logger.Warn().Str("reason", reason).Msg("watchdog breach")
	if w.onBreach != nil {
		w.onBreach(reason)
	}
}

// Snapshot returns the most recent probe result.
func (w *Watchdog) Snapshot() WatchdogSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

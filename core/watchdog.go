package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
)

// Watchdog restarts the runtime when a single dispatch holds the processing context for too long.
type Watchdog struct {
	// dispatch counter, odd while a dispatch is running
	busy atomic.Uint64
	done chan struct{}
	wg   sync.WaitGroup
}

func (w *Watchdog) Init(s *state.State) error {
	w.done = make(chan struct{})
	if s.Synchronous {
		return nil
	}
	w.wg.Add(1)
	go w.run(s.Env)
	return nil
}

func (w *Watchdog) Cleanup(s *state.State) error {
	close(w.done)
	w.wg.Wait()
	return nil
}

// Enter and Leave bracket every dispatch on the main loop.
func (w *Watchdog) Enter() {
	w.busy.Add(1)
}

func (w *Watchdog) Leave() {
	w.busy.Add(1)
}

func (w *Watchdog) run(e *state.Env) {
	defer w.wg.Done()
	ticker := time.NewTicker(state.WatchdogInterval)
	defer ticker.Stop()
	var last uint64
	stuck := 0
	for {
		select {
		case <-w.done:
			return
		case <-e.Context.Done():
			return
		case <-ticker.C:
		}
		cur := w.busy.Load()
		if cur%2 == 0 || cur != last {
			last = cur
			stuck = 0
			continue
		}
		stuck++
		switch {
		case stuck == state.WatchdogPendingTicks:
			e.Log.Warn("processing context is stuck", "elapsed", time.Duration(stuck)*state.WatchdogInterval)
			perf.Mesh.WatchdogStalls.WithLabelValues(e.Id.String()).Inc()
		case stuck >= state.WatchdogFatalTicks:
			e.Log.Error("processing context stalled, restarting", "elapsed", time.Duration(stuck)*state.WatchdogInterval)
			e.Restart.Store(true)
			e.Cancel(state.ErrStalled)
			return
		}
	}
}

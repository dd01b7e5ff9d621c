package syncengine

import (
	"context"
	"sync"
	"time"
)

type cycleFunc func(ctx context.Context) error

// Scheduler decides when a sync cycle runs and guarantees at most one cycle in
// flight. Triggers that arrive mid-cycle coalesce into a single rerun once the
// current cycle finishes. The periodic timer runs only while auto-sync is
// enabled and the engine is online; reconfiguring restarts it and never
// cancels an in-flight cycle.
type Scheduler struct {
	run    cycleFunc
	clock  Clock
	logger Logger

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	rerun    bool
	online   bool
	autoSync bool
	interval time.Duration

	reconfig chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(run cycleFunc, clock Clock, logger Logger) *Scheduler {
	return &Scheduler{
		run:      run,
		clock:    clockOrSystem(clock),
		logger:   loggerOrNop(logger),
		reconfig: make(chan struct{}, 1),
	}
}

// Start launches the periodic timer loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.wg.Add(1)
	go s.timerLoop(ctx)
}

// Wait blocks until the timer loop and any in-flight cycle have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Configure applies the auto-sync switch and interval, restarting the timer.
func (s *Scheduler) Configure(autoSync bool, interval time.Duration) {
	s.mu.Lock()
	s.autoSync = autoSync
	s.interval = interval
	s.mu.Unlock()
	s.poke()
}

// SetOnline records connectivity. The offline-to-online transition triggers a
// fresh cycle; going offline stops the timer but leaves any in-flight cycle
// to abort on its own via context or request failure.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()
	s.poke()
	if online && !wasOnline {
		s.Trigger("reconnect")
	}
}

// Trigger requests a cycle. While offline it is dropped; while a cycle is
// running it coalesces into one pending rerun.
func (s *Scheduler) Trigger(reason string) {
	s.mu.Lock()
	if !s.online || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSerialized(ctx, reason)
	}()
}

// RunNow executes a cycle synchronously, honoring the single-flight
// guarantee: if a cycle is already running the request coalesces into its
// rerun and RunNow returns nil immediately.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	err := s.run(ctx)
	s.drainReruns(ctx)
	return err
}

func (s *Scheduler) runSerialized(ctx context.Context, reason string) {
	if err := s.run(ctx); err != nil {
		s.logger.Printf("sync cycle (%s) failed: %v", reason, err)
	}
	s.drainReruns(ctx)
}

func (s *Scheduler) drainReruns(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.rerun && s.online && ctx.Err() == nil {
			s.rerun = false
			s.mu.Unlock()
			if err := s.run(ctx); err != nil {
				s.logger.Printf("coalesced sync cycle failed: %v", err)
			}
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) poke() {
	select {
	case s.reconfig <- struct{}{}:
	default:
	}
}

func (s *Scheduler) timerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		enabled := s.autoSync && s.online
		interval := s.interval
		s.mu.Unlock()

		var ticker Ticker
		var tick <-chan time.Time
		if enabled && interval > 0 {
			ticker = s.clock.NewTicker(interval)
			tick = ticker.Chan()
		}

		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			return
		case <-s.reconfig:
			if ticker != nil {
				ticker.Stop()
			}
		case <-tick:
			ticker.Stop()
			s.Trigger("interval")
		}
	}
}

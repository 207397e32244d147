// Package scheduler produces the periodic control tick.
//
// A timer goroutine stands in for the timer interrupt: on every period
// boundary it raises a single pending flag and does nothing else. The control
// loop consumes the flag from Ticks and performs the sampling work itself.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultTimerClock is the timer input frequency in Hz (16 MHz / 1024).
	DefaultTimerClock = 15625
	// TimerMax is the largest value of the 16-bit compare register.
	TimerMax = 0xFFFF
)

var ErrPeriodOutOfRange = errors.New("scheduler: period out of timer range")

// Scheduler raises one tick per period.
type Scheduler struct {
	mu      sync.Mutex
	clock   int
	period  time.Duration
	pending chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New returns a stopped scheduler for period at the given timer clock (Hz).
// A clock of 0 selects DefaultTimerClock.
func New(period time.Duration, clock int) (*Scheduler, error) {
	if clock <= 0 {
		clock = DefaultTimerClock
	}
	s := &Scheduler{
		clock:   clock,
		pending: make(chan struct{}, 1),
	}
	if _, err := s.timerTicks(period); err != nil {
		return nil, err
	}
	s.period = period
	return s, nil
}

// MaxPeriod returns the longest period the timer register can hold.
func (s *Scheduler) MaxPeriod() time.Duration {
	return time.Duration(TimerMax) * time.Second / time.Duration(s.clock)
}

// PeriodFromMillis converts a millisecond count to a period. Counts below one
// or beyond what a time.Duration holds are rejected.
func PeriodFromMillis(ms int64) (time.Duration, error) {
	if ms < 1 || ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("%w: %d ms", ErrPeriodOutOfRange, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// timerTicks converts period to timer counts, rejecting values the register
// cannot hold.
func (s *Scheduler) timerTicks(period time.Duration) (int64, error) {
	if period <= 0 || period > s.MaxPeriod() {
		return 0, fmt.Errorf("%w: %v at %d Hz (max %v)", ErrPeriodOutOfRange, period, s.clock, s.MaxPeriod())
	}
	ticks := int64(period) * int64(s.clock) / int64(time.Second)
	if ticks < 1 || ticks > TimerMax {
		return 0, fmt.Errorf("%w: %v is %d counts at %d Hz (max %d)", ErrPeriodOutOfRange, period, ticks, s.clock, TimerMax)
	}
	return ticks, nil
}

// Period returns the programmed period.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Ticks returns the pending-tick channel. At most one tick is ever pending.
func (s *Scheduler) Ticks() <-chan struct{} {
	return s.pending
}

// SetPeriod reprograms the timer. The running timer is stopped, the pending
// tick cleared and the new period loaded before the timer restarts, so the
// next tick arrives one full period after the call.
func (s *Scheduler) SetPeriod(period time.Duration) error {
	if _, err := s.timerTicks(period); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wasRunning := s.running
	s.halt()
	s.clear()
	s.period = period
	if wasRunning {
		s.launch()
	}
	return nil
}

// Start enables the timer. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.clear()
	s.launch()
}

// Stop disables the timer and clears any pending tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
	s.clear()
}

// launch and halt require s.mu.
func (s *Scheduler) launch() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.fire(time.NewTicker(s.period), s.stop, s.done)
}

func (s *Scheduler) halt() {
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false
}

func (s *Scheduler) clear() {
	select {
	case <-s.pending:
	default:
	}
}

func (s *Scheduler) fire(t *time.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			select {
			case s.pending <- struct{}{}:
			default:
			}
		}
	}
}

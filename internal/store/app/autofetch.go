package app

import (
	"log"
	"time"
)

// settingsRetry is how long auto-fetch waits while the settings panel is
// open.
const settingsRetry = time.Minute

// Timer is an armed one-shot timer.
type Timer interface {
	Stop() bool
}

// TimerFunc arms a timer that calls f after d.
type TimerFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SetupAutoFetch (re)arms the background fetch timer from the configured
// interval. Any previously armed timer is cancelled first, so at most one
// timer is ever pending. An interval of zero disables auto-fetch.
func (s *Store) SetupAutoFetch() {
	minutes := s.opts.Settings.FetchInterval()

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.stopTimerLocked()
	if s.closed || minutes <= 0 {
		return
	}
	s.armLocked(time.Duration(minutes) * time.Minute)
}

// Close stops auto-fetch and cancels a running background fetch.
func (s *Store) Close() {
	s.timerMu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.timerMu.Unlock()
	s.cancel()
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Store) armLocked(d time.Duration) {
	gen := s.gen
	s.timer = s.opts.NewTimer(d, func() { s.autoFetch(gen) })
}

// autoFetch runs when the timer of generation gen fires. A timer that was
// replaced in the meantime does nothing.
func (s *Store) autoFetch(gen int) {
	s.timerMu.Lock()
	if gen != s.gen || s.closed {
		s.timerMu.Unlock()
		return
	}
	s.timer = nil
	st := s.State()
	if st.Settings.Display {
		s.armLocked(settingsRetry)
		s.timerMu.Unlock()
		return
	}
	s.timerMu.Unlock()

	if !st.FetchingItems {
		if err := s.opts.Items.FetchItems(s.ctx, true); err != nil {
			log.Printf("Background fetch: %v", err)
		}
	}

	minutes := s.opts.Settings.FetchInterval()
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if gen != s.gen || s.closed || s.timer != nil || minutes <= 0 {
		return
	}
	s.armLocked(time.Duration(minutes) * time.Minute)
}

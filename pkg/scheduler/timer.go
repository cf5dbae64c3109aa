package scheduler

import (
	"sync"
	"time"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// timerKey identifies the response timer of one procedure on one
// connection.
type timerKey struct {
	conn uint16
	proc cs.Procedures
}

type responseTimer struct {
	id    uint64
	timer *time.Timer
}

// TimerManager manages LL response timers
type TimerManager struct {
	timers map[timerKey]responseTimer
	nextID uint64
	mu     sync.RWMutex
}

// NewTimerManager creates a new timer manager
func NewTimerManager() *TimerManager {
	return &TimerManager{
		timers: make(map[timerKey]responseTimer),
	}
}

// SetTimeout arms the response timer of proc on connID. An armed timer for
// the same key is replaced. callback runs on the timer goroutine.
func (tm *TimerManager) SetTimeout(connID uint16, proc cs.Procedures, d time.Duration, callback func(uint16, cs.Procedures)) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := timerKey{conn: connID, proc: proc}
	if existing, ok := tm.timers[key]; ok {
		existing.timer.Stop()
	}

	tm.nextID++
	id := tm.nextID
	timer := time.AfterFunc(d, func() {
		tm.mu.Lock()
		cur, ok := tm.timers[key]
		if !ok || cur.id != id {
			tm.mu.Unlock()
			return
		}
		delete(tm.timers, key)
		tm.mu.Unlock()
		callback(connID, proc)
	})
	tm.timers[key] = responseTimer{id: id, timer: timer}
}

// ClearTimeout disarms the response timer of proc on connID
func (tm *TimerManager) ClearTimeout(connID uint16, proc cs.Procedures) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := timerKey{conn: connID, proc: proc}
	if t, ok := tm.timers[key]; ok {
		t.timer.Stop()
		delete(tm.timers, key)
	}
}

// ClearConnection disarms every timer of connID
func (tm *TimerManager) ClearConnection(connID uint16) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for key, t := range tm.timers {
		if key.conn == connID {
			t.timer.Stop()
			delete(tm.timers, key)
		}
	}
}

// HasTimer checks if proc has an armed timer on connID
func (tm *TimerManager) HasTimer(connID uint16, proc cs.Procedures) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	_, ok := tm.timers[timerKey{conn: connID, proc: proc}]
	return ok
}

// StopAll stops all armed timers
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, t := range tm.timers {
		t.timer.Stop()
	}
	tm.timers = make(map[timerKey]responseTimer)
}

package edgeserve

import (
	"fmt"
	"sync"
	"time"
)

// timerEntry tracks scheduling metadata for a pending setTimeout or
// setInterval callback. The callback itself lives on the JS side in
// globalThis.__timer_callbacks[id].
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// eventLoop provides real wall-clock timers for a single VM. Timers are
// registered from host functions during script execution and fired by
// drain after the handler returns, until the loop is idle or the request
// deadline passes.
type eventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

func newEventLoop() *eventLoop {
	return &eventLoop{timers: make(map[int]*timerEntry)}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *eventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{deadline: time.Now().Add(delay), id: id}
	if isInterval {
		if delay <= 0 {
			delay = time.Millisecond
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a pending timer. Unknown IDs are ignored.
func (el *eventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// hasPending reports whether any timer is scheduled.
func (el *eventLoop) hasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// next returns the entry with the earliest deadline, or nil when idle.
func (el *eventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var earliest *timerEntry
	for _, e := range el.timers {
		if earliest == nil || e.deadline.Before(earliest.deadline) {
			earliest = e
		}
	}
	return earliest
}

// step fires the earliest pending timer, sleeping until it is due if
// necessary, then runs a microtask checkpoint so promise chains settle.
// Reports false when the loop is idle or the earliest timer lies beyond
// deadline.
func (el *eventLoop) step(rt jsRuntime, deadline time.Time) bool {
	for {
		entry := el.next()
		if entry == nil || entry.deadline.After(deadline) {
			return false
		}
		if wait := time.Until(entry.deadline); wait > 0 {
			time.Sleep(wait)
		}

		el.mu.Lock()
		if _, ok := el.timers[entry.id]; !ok {
			// Cleared while we slept.
			el.mu.Unlock()
			continue
		}
		if entry.interval > 0 {
			entry.deadline = time.Now().Add(entry.interval)
		} else {
			delete(el.timers, entry.id)
		}
		el.mu.Unlock()

		_ = rt.Eval(fmt.Sprintf("if (globalThis.__fire_timer) globalThis.__fire_timer(%d);", entry.id))
		rt.RunMicrotasks()
		return true
	}
}

// drain fires due timers until the loop is idle or the overall deadline
// passes.
func (el *eventLoop) drain(rt jsRuntime, deadline time.Time) {
	for el.step(rt, deadline) {
		if time.Now().After(deadline) {
			return
		}
	}
}

// Reset drops all pending timers. Called between script instances.
func (el *eventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
}

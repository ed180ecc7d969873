package aggregator

import "time"

// RecomputeActive marks a line active when one of its arrivals falls in
// [now, now+window]. Lines are sorted, so each scan stops at the first
// arrival inside the window or the first one past it. Returns the number
// of active lines.
func (a *Aggregator) RecomputeActive(now time.Time, window time.Duration) int {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	lines := a.Lines()
	end := now.Add(window)

	active := make(map[string]bool)
	for name, list := range lines {
		for _, rec := range list {
			if rec.ExpectedArrival.Before(now) {
				continue
			}
			if rec.ExpectedArrival.After(end) {
				break
			}
			active[name] = true
			break
		}
	}

	a.mu.Lock()
	a.active = active
	a.mu.Unlock()

	return len(active)
}

// IsLineActive reports membership in the last computed active set
func (a *Aggregator) IsLineActive(line string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active[line]
}

// NumActive is the size of the last computed active set
func (a *Aggregator) NumActive() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// ActiveLines returns a copy of the active set
func (a *Aggregator) ActiveLines() map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]bool, len(a.active))
	for k, v := range a.active {
		out[k] = v
	}
	return out
}

package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
	"github.com/transitboard-data/pkg/siri/models"
)

// Aggregator keeps the per-reference and per-line views of the latest
// arrivals. Writers build complete replacement maps and publish them with a
// single swap, so readers only ever see whole snapshots. Published maps and
// slices are never modified afterwards.
type Aggregator struct {
	logger       logger.Logger
	lineCapacity int

	// writeMu serialises Ingest and RecomputeActive
	writeMu sync.Mutex

	mu         sync.RWMutex
	references map[string][]arrival.Record
	lines      map[string][]*arrival.Record
	active     map[string]bool
	owners     map[string]string // reference -> source that last wrote it
	updatedAt  time.Time
}

// NewAggregator creates an empty aggregate. lineCapacity bounds each
// line's list after sorting; 0 leaves lines unbounded.
func NewAggregator(lineCapacity int, log logger.Logger) *Aggregator {
	return &Aggregator{
		logger:       log,
		lineCapacity: lineCapacity,
		references:   make(map[string][]arrival.Record),
		lines:        make(map[string][]*arrival.Record),
		active:       make(map[string]bool),
		owners:       make(map[string]string),
	}
}

// IngestResponse splits one parsed response by reference and ingests each
// group. It returns the number of reference groups written.
func (a *Aggregator) IngestResponse(source string, records []arrival.Record, now time.Time) int {
	if len(records) == 0 {
		return 0
	}

	byRef := make(map[string][]arrival.Record)
	var order []string
	for _, rec := range records {
		if _, seen := byRef[rec.Reference]; !seen {
			order = append(order, rec.Reference)
		}
		byRef[rec.Reference] = append(byRef[rec.Reference], rec)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	refs := a.currentReferences()
	owners := a.currentOwners()
	for _, ref := range order {
		a.replaceGroup(refs, owners, source, ref, byRef[ref])
	}
	a.publish(refs, owners, now)
	return len(order)
}

// Ingest replaces the reference group for reference with records and
// rebuilds the line index.
func (a *Aggregator) Ingest(source, reference string, records []arrival.Record, now time.Time) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	refs := a.currentReferences()
	owners := a.currentOwners()
	a.replaceGroup(refs, owners, source, reference, records)
	a.publish(refs, owners, now)
}

// Purge drops expired reference groups without new data
func (a *Aggregator) Purge(now time.Time) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.publish(a.currentReferences(), a.currentOwners(), now)
}

func (a *Aggregator) replaceGroup(refs map[string][]arrival.Record, owners map[string]string, source, reference string, records []arrival.Record) {
	if prev, ok := owners[reference]; ok && prev != source {
		// two sources claiming one stop is most likely a configuration mistake
		a.logger.Warn("Reference written by more than one source, keeping latest",
			"reference", reference,
			"previous_source", prev,
			"source", source)
	}

	group := make([]arrival.Record, len(records))
	copy(group, records)
	arrival.SortByArrival(group)

	refs[reference] = group
	owners[reference] = source
}

// publish purges stale groups from refs, rebuilds the line index from what
// remains and swaps both in. Callers hold writeMu.
func (a *Aggregator) publish(refs map[string][]arrival.Record, owners map[string]string, now time.Time) {
	kept := make(map[string][]arrival.Record, len(refs))
	keptOwners := make(map[string]string, len(refs))
	for ref, group := range refs {
		if len(group) == 0 || group[len(group)-1].Expired(now) {
			a.logger.Debug("Purging stale reference group", "reference", ref, "records", len(group))
			continue
		}
		kept[ref] = group
		keptOwners[ref] = owners[ref]
	}

	lines := buildLines(kept, a.lineCapacity, now)

	a.mu.Lock()
	a.references = kept
	a.owners = keptOwners
	a.lines = lines
	a.updatedAt = now
	a.mu.Unlock()
}

// buildLines merges every reference group into per-line lists sorted by
// expected arrival. References are visited in key order so equal arrival
// times always come out in the same order. Arrivals already past at now are
// left out so they never take a slot from an upcoming one.
func buildLines(refs map[string][]arrival.Record, capacity int, now time.Time) map[string][]*arrival.Record {
	keys := make([]string, 0, len(refs))
	for ref := range refs {
		keys = append(keys, ref)
	}
	sort.Strings(keys)

	lines := make(map[string][]*arrival.Record)
	for _, ref := range keys {
		group := refs[ref]
		for i := range group {
			if group[i].Expired(now) {
				continue
			}
			lines[group[i].Line] = append(lines[group[i].Line], &group[i])
		}
	}

	for line, list := range lines {
		arrival.SortRefsByArrival(list)
		if capacity > 0 && len(list) > capacity {
			list = list[:capacity:capacity]
		}
		lines[line] = list
	}
	return lines
}

func (a *Aggregator) currentReferences() map[string][]arrival.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]arrival.Record, len(a.references)+1)
	for k, v := range a.references {
		out[k] = v
	}
	return out
}

func (a *Aggregator) currentOwners() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.owners)+1)
	for k, v := range a.owners {
		out[k] = v
	}
	return out
}

// Lines returns the line-grouped aggregate. The slices are shared with the
// aggregator and must not be modified.
func (a *Aggregator) Lines() map[string][]*arrival.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]*arrival.Record, len(a.lines))
	for k, v := range a.lines {
		out[k] = v
	}
	return out
}

// References returns the reference-grouped aggregate. The slices are shared
// with the aggregator and must not be modified.
func (a *Aggregator) References() map[string][]arrival.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]arrival.Record, len(a.references))
	for k, v := range a.references {
		out[k] = v
	}
	return out
}

// Line returns the sorted arrivals of one line
func (a *Aggregator) Line(name string) []*arrival.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lines[name]
}

// LineNames returns the known lines in lexical order
func (a *Aggregator) LineNames() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.lines))
	for name := range a.lines {
		names = append(names, name)
	}
	a.mu.RUnlock()
	sort.Strings(names)
	return names
}

// UpdatedAt is the time of the last published rebuild
func (a *Aggregator) UpdatedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updatedAt
}

// RecordCount is the total number of records held across all references
func (a *Aggregator) RecordCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, group := range a.references {
		n += len(group)
	}
	return n
}

// DebugLog writes every line's arrivals at debug level
func (a *Aggregator) DebugLog(log logger.Logger, now time.Time) {
	lines := a.Lines()
	log.Debug("Line index", "lines", len(lines))
	for _, name := range a.LineNames() {
		for _, rec := range lines[name] {
			log.Debug("Arrival",
				"line", rec.Line,
				"direction", rec.Direction,
				"reference", rec.Reference,
				"eta", models.FormatTimestamp(rec.ExpectedArrival),
				"eta_min", rec.Until(now).Minutes(),
				"live", rec.Live)
		}
	}
}

// Snapshot is a consistent view of both groupings and the active set
type Snapshot struct {
	Lines      map[string][]*arrival.Record `json:"lines"`
	References map[string][]arrival.Record  `json:"references"`
	Active     map[string]bool              `json:"active"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// Snapshot copies all maps under a single read lock
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Lines:      make(map[string][]*arrival.Record, len(a.lines)),
		References: make(map[string][]arrival.Record, len(a.references)),
		Active:     make(map[string]bool, len(a.active)),
		UpdatedAt:  a.updatedAt,
	}
	for k, v := range a.lines {
		snap.Lines[k] = v
	}
	for k, v := range a.references {
		snap.References[k] = v
	}
	for k, v := range a.active {
		snap.Active[k] = v
	}
	return snap
}

package aggregator

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func rec(ref, line string, in time.Duration) arrival.Record {
	return arrival.Record{
		Reference:         ref,
		Line:              line,
		Direction:         "IB",
		RecordedAt:        now.Add(-30 * time.Second),
		ExpectedArrival:   now.Add(in),
		ResponseTimestamp: now,
		Live:              true,
	}
}

func newTestAggregator(capacity int) *Aggregator {
	return NewAggregator(capacity, logger.Nop())
}

func assertAscending(t *testing.T, list []*arrival.Record) {
	t.Helper()
	for i := 1; i < len(list); i++ {
		if list[i].ExpectedArrival.Before(list[i-1].ExpectedArrival) {
			t.Errorf("Expected ascending arrivals, got %v before %v", list[i-1].ExpectedArrival, list[i].ExpectedArrival)
		}
	}
}

func TestIngestSortsGroups(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "15553", []arrival.Record{
		rec("15553", "N", 9*time.Minute),
		rec("15553", "N", 2*time.Minute),
		rec("15553", "J", 5*time.Minute),
		rec("15553", "N", 4*time.Minute),
	}, now)
	agg.Ingest("b", "15726", []arrival.Record{
		rec("15726", "N", 3*time.Minute),
	}, now)

	refs := agg.References()
	require.Len(t, refs["15553"], 4)
	for i := 1; i < len(refs["15553"]); i++ {
		assert.False(t, refs["15553"][i].ExpectedArrival.Before(refs["15553"][i-1].ExpectedArrival))
	}

	lines := agg.Lines()
	require.Len(t, lines["N"], 4)
	require.Len(t, lines["J"], 1)
	assertAscending(t, lines["N"])
	assert.Equal(t, "15726", lines["N"][1].Reference)
}

func TestIngestReplacesReferenceGroup(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "N", 2*time.Minute), rec("15553", "N", 6*time.Minute)}, now)
	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "J", 3*time.Minute)}, now)

	refs := agg.References()
	require.Len(t, refs["15553"], 1)
	assert.Equal(t, "J", refs["15553"][0].Line)

	lines := agg.Lines()
	assert.NotContains(t, lines, "N")
	assert.Len(t, lines["J"], 1)
}

func TestIngestIsIdempotent(t *testing.T) {
	agg := newTestAggregator(0)
	response := []arrival.Record{
		rec("15553", "N", 5*time.Minute),
		rec("15553", "J", 5*time.Minute),
		rec("15726", "N", 5*time.Minute),
		rec("15726", "KT", 12*time.Minute),
	}

	agg.IngestResponse("a", response, now)
	first := agg.Snapshot()

	agg.IngestResponse("a", response, now)
	second := agg.Snapshot()

	assert.Equal(t, first.References, second.References)
	require.Equal(t, len(first.Lines), len(second.Lines))
	for line, list := range first.Lines {
		other := second.Lines[line]
		require.Len(t, other, len(list))
		for i := range list {
			assert.Equal(t, *list[i], *other[i], "line %s index %d", line, i)
		}
	}
}

func TestIngestResponseSplitsByReference(t *testing.T) {
	agg := newTestAggregator(0)

	n := agg.IngestResponse("a", []arrival.Record{
		rec("15553", "N", time.Minute),
		rec("15726", "N", 2*time.Minute),
		rec("15553", "J", 3*time.Minute),
	}, now)

	assert.Equal(t, 2, n)
	refs := agg.References()
	assert.Len(t, refs["15553"], 2)
	assert.Len(t, refs["15726"], 1)
}

func TestIngestResponseEmptyLeavesAggregate(t *testing.T) {
	agg := newTestAggregator(0)
	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "N", time.Minute)}, now)
	before := agg.UpdatedAt()

	assert.Zero(t, agg.IngestResponse("a", nil, now.Add(time.Second)))
	assert.Equal(t, before, agg.UpdatedAt())
	assert.Len(t, agg.References(), 1)
}

func TestExpiredGroupIsPurged(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "old", []arrival.Record{rec("old", "N", time.Minute), rec("old", "N", 2*time.Minute)}, now)
	agg.Ingest("a", "fresh", []arrival.Record{rec("fresh", "J", 20*time.Minute)}, now)

	// both of "old"'s arrivals are in the past by the next rebuild
	agg.Ingest("a", "other", []arrival.Record{rec("other", "KT", 30*time.Minute)}, now.Add(5*time.Minute))

	refs := agg.References()
	assert.NotContains(t, refs, "old")
	assert.Contains(t, refs, "fresh")
	assert.NotContains(t, agg.Lines(), "N")
}

func TestPartiallyExpiredGroupIsKept(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "N", time.Minute), rec("15553", "N", 10*time.Minute)}, now)
	agg.Purge(now.Add(5 * time.Minute))

	assert.Len(t, agg.References()["15553"], 2)
}

func TestExpiredArrivalsDoNotTakeLineSlots(t *testing.T) {
	agg := newTestAggregator(3)

	agg.Ingest("a", "15553", []arrival.Record{
		rec("15553", "N", time.Minute),
		rec("15553", "N", 2*time.Minute),
		rec("15553", "N", 3*time.Minute),
		rec("15553", "N", 20*time.Minute),
	}, now)
	agg.Purge(now.Add(10 * time.Minute))

	line := agg.Line("N")
	require.Len(t, line, 1)
	assert.Equal(t, now.Add(20*time.Minute), line[0].ExpectedArrival)
	assert.Len(t, agg.References()["15553"], 4)

	agg.RecomputeActive(now.Add(10*time.Minute), time.Hour)
	assert.True(t, agg.IsLineActive("N"))
}

func TestEmptyGroupIsPurged(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "15553", nil, now)

	assert.Empty(t, agg.References())
	assert.Empty(t, agg.Lines())
}

func TestLineCapacity(t *testing.T) {
	agg := newTestAggregator(3)

	records := make([]arrival.Record, 0, 6)
	for i := 6; i > 0; i-- {
		records = append(records, rec("15553", "N", time.Duration(i)*time.Minute))
	}
	agg.Ingest("a", "15553", records, now)

	line := agg.Line("N")
	require.Len(t, line, 3)
	assert.Equal(t, now.Add(time.Minute), line[0].ExpectedArrival)
	assert.Equal(t, now.Add(3*time.Minute), line[2].ExpectedArrival)
	// the reference view is not trimmed
	assert.Len(t, agg.References()["15553"], 6)
}

func TestActiveWindowScenario(t *testing.T) {
	agg := newTestAggregator(0)
	agg.IngestResponse("a", []arrival.Record{
		rec("15553", "N", 5*time.Minute),
		rec("15553", "J", 90*time.Minute),
	}, now)

	n := agg.RecomputeActive(now, time.Hour)

	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]bool{"N": true}, agg.ActiveLines())
	assert.True(t, agg.IsLineActive("N"))
	assert.False(t, agg.IsLineActive("J"))
	assert.Equal(t, 1, agg.NumActive())
}

func TestActiveWindowBounds(t *testing.T) {
	agg := newTestAggregator(0)
	agg.IngestResponse("a", []arrival.Record{
		rec("1", "edge", time.Hour),
		rec("1", "past", -time.Minute),
		rec("1", "past", 2*time.Hour),
		rec("1", "now", 0),
	}, now.Add(-2*time.Minute))

	agg.RecomputeActive(now, time.Hour)

	assert.True(t, agg.IsLineActive("edge"))
	assert.True(t, agg.IsLineActive("now"))
	assert.False(t, agg.IsLineActive("past"))
}

func TestActiveSetRecomputedIndependently(t *testing.T) {
	agg := newTestAggregator(0)
	agg.IngestResponse("a", []arrival.Record{rec("1", "N", 5*time.Minute)}, now)

	assert.Zero(t, agg.NumActive())
	agg.RecomputeActive(now, time.Hour)
	assert.Equal(t, 1, agg.NumActive())

	agg.RecomputeActive(now.Add(10*time.Minute), time.Hour)
	assert.Zero(t, agg.NumActive())
}

func TestReferenceCollisionLastWriteWins(t *testing.T) {
	agg := newTestAggregator(0)

	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "N", time.Minute)}, now)
	agg.Ingest("b", "15553", []arrival.Record{rec("15553", "J", time.Minute)}, now)

	refs := agg.References()
	require.Len(t, refs["15553"], 1)
	assert.Equal(t, "J", refs["15553"][0].Line)
}

func TestReturnedMapsAreCopies(t *testing.T) {
	agg := newTestAggregator(0)
	agg.Ingest("a", "15553", []arrival.Record{rec("15553", "N", time.Minute)}, now)

	lines := agg.Lines()
	delete(lines, "N")

	assert.Len(t, agg.Lines(), 1)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	agg := newTestAggregator(0)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := agg.Snapshot()
				for _, list := range snap.Lines {
					assertAscending(t, list)
				}
				agg.IsLineActive("L1")
			}
		}()
	}

	for i := 0; i < 200; i++ {
		records := []arrival.Record{
			rec(fmt.Sprintf("R%d", i%5), fmt.Sprintf("L%d", i%3), time.Duration(10-i%7)*time.Minute),
			rec(fmt.Sprintf("R%d", i%5), fmt.Sprintf("L%d", i%3), time.Duration(20+i%7)*time.Minute),
		}
		agg.IngestResponse("a", records, now)
		if i%10 == 0 {
			agg.RecomputeActive(now, time.Hour)
		}
	}
	close(stop)
	wg.Wait()

	assert.Len(t, agg.References(), 5)
}

func TestRecordCountAndLineNames(t *testing.T) {
	agg := newTestAggregator(0)
	agg.IngestResponse("a", []arrival.Record{
		rec("1", "N", time.Minute),
		rec("1", "J", time.Minute),
		rec("2", "N", time.Minute),
	}, now)

	assert.Equal(t, 3, agg.RecordCount())
	assert.Equal(t, []string{"J", "N"}, agg.LineNames())
	assert.Equal(t, now, agg.UpdatedAt())
}

func TestDebugLogWritesArrivalTimestamps(t *testing.T) {
	agg := newTestAggregator(0)
	agg.IngestResponse("a", []arrival.Record{rec("15553", "N", 5*time.Minute)}, now)

	var buf bytes.Buffer
	agg.DebugLog(logger.New(&buf), now)

	out := buf.String()
	assert.Contains(t, out, `"message":"Line index"`)
	assert.Contains(t, out, `"eta":"2024-01-01T12:05:00Z"`)
	assert.Contains(t, out, `"line":"N"`)
}

package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker keeps one DDSketch of millisecond latencies per operation.
// It feeds the summary logged at shutdown; Prometheus gets the same samples
// through Recorder.
type LatencyTracker struct {
	accuracy float64

	mu  sync.Mutex
	ops map[string]*ddsketch.DDSketch
}

// NewLatencyTracker returns a tracker whose quantiles are within accuracy
// (0.01 is 1%) of the true value.
func NewLatencyTracker(accuracy float64) *LatencyTracker {
	return &LatencyTracker{
		accuracy: accuracy,
		ops:      make(map[string]*ddsketch.DDSketch),
	}
}

// Record adds one sample for operation.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000

	lt.mu.Lock()
	defer lt.mu.Unlock()
	sk, ok := lt.ops[operation]
	if !ok {
		sk = lt.newSketch()
		lt.ops[operation] = sk
	}
	// Add only fails on negative input, which a duration clamp rules out.
	_ = sk.Add(max(ms, 0))
}

func (lt *LatencyTracker) newSketch() *ddsketch.DDSketch {
	sk, err := ddsketch.LogUnboundedDenseDDSketch(lt.accuracy)
	if err != nil {
		sk, _ = ddsketch.NewDefaultDDSketch(0.01)
	}
	return sk
}

// Stats is a latency summary for one operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// LogValue renders the summary as a slog group.
func (s Stats) LogValue() slog.Value {
	if s.Count == 0 {
		return slog.GroupValue(slog.String("operation", s.Operation), slog.Int64("count", 0))
	}
	return slog.GroupValue(
		slog.String("operation", s.Operation),
		slog.Int64("count", s.Count),
		slog.Float64("min_ms", round2(s.Min)),
		slog.Float64("p50_ms", round2(s.P50)),
		slog.Float64("p90_ms", round2(s.P90)),
		slog.Float64("p99_ms", round2(s.P99)),
		slog.Float64("max_ms", round2(s.Max)),
	)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Snapshot summarises operation. ok is false when nothing was recorded.
func (lt *LatencyTracker) Snapshot(operation string) (s Stats, ok bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	sk, ok := lt.ops[operation]
	if !ok {
		return Stats{}, false
	}
	return summarize(operation, sk), true
}

// Snapshots summarises every operation seen so far, ordered by name.
func (lt *LatencyTracker) Snapshots() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]Stats, 0, len(lt.ops))
	for op, sk := range lt.ops {
		out = append(out, summarize(op, sk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func summarize(operation string, sk *ddsketch.DDSketch) Stats {
	s := Stats{Operation: operation, Count: int64(sk.GetCount())}
	if s.Count == 0 {
		return s
	}
	s.Min, _ = sk.GetMinValue()
	s.Max, _ = sk.GetMaxValue()
	qs, _ := sk.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99})
	if len(qs) == 3 {
		s.P50, s.P90, s.P99 = qs[0], qs[1], qs[2]
	}
	return s
}

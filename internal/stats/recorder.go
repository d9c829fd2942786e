package stats

import "sync"

// Input is one instance's contribution to a window: per resolver, named counters and
// named sets. A stat name is either a counter or a set, never both.
type Input struct {
	Counters map[string]map[string]int64
	Sets     map[string]map[string][]string
}

// Empty reports whether there is nothing to contribute.
func (in Input) Empty() bool {
	return len(in.Counters) == 0 && len(in.Sets) == 0
}

// Output holds the cluster-wide total of every stat: counter sums and set cardinalities.
type Output map[string]map[string]int64

func (o Output) add(resolver, stat string, value int64) {
	if o[resolver] == nil {
		o[resolver] = make(map[string]int64)
	}
	o[resolver][stat] = value
}

// Recorder accumulates local stats between aggregation runs.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	sets     map[string]map[string]map[string]struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.reset()
	return r
}

func (r *Recorder) reset() {
	r.counters = make(map[string]map[string]int64)
	r.sets = make(map[string]map[string]map[string]struct{})
}

// Count adds n to a counter.
func (r *Recorder) Count(resolver, stat string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters[resolver] == nil {
		r.counters[resolver] = make(map[string]int64)
	}
	r.counters[resolver][stat] += n
}

// Distinct adds member to a set, e.g. the ids of distinct users.
func (r *Recorder) Distinct(resolver, stat, member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sets[resolver] == nil {
		r.sets[resolver] = make(map[string]map[string]struct{})
	}
	if r.sets[resolver][stat] == nil {
		r.sets[resolver][stat] = make(map[string]struct{})
	}
	r.sets[resolver][stat][member] = struct{}{}
}

// Drain returns everything recorded since the last Drain and starts over.
func (r *Recorder) Drain() Input {
	r.mu.Lock()
	defer r.mu.Unlock()

	in := Input{
		Counters: r.counters,
		Sets:     make(map[string]map[string][]string, len(r.sets)),
	}
	for resolver, stats := range r.sets {
		in.Sets[resolver] = make(map[string][]string, len(stats))
		for stat, members := range stats {
			list := make([]string, 0, len(members))
			for member := range members {
				list = append(list, member)
			}
			in.Sets[resolver][stat] = list
		}
	}
	r.reset()
	return in
}

package queue

import "time"

// entry is one pending job in the in-memory dispatch ring. Only the job id
// and its due time live here; the durable row stays the source of truth.
type entry struct {
	at  time.Time
	seq uint64
	id  string
}

// ring is a min-heap ordered by due time, then by insertion order, so
// dispatch is approximately FIFO by enqueue time while retried jobs wait
// out their backoff without stalling anything behind them.
type ring []entry

func (r ring) Len() int { return len(r) }

func (r ring) Less(i, j int) bool {
	if r[i].at.Equal(r[j].at) {
		return r[i].seq < r[j].seq
	}
	return r[i].at.Before(r[j].at)
}

func (r ring) Swap(i, j int) { r[i], r[j] = r[j], r[i] }

func (r *ring) Push(x any) { *r = append(*r, x.(entry)) }

func (r *ring) Pop() any {
	old := *r
	n := len(old)
	e := old[n-1]
	*r = old[:n-1]
	return e
}

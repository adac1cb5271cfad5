package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is the in-process request summary served by /-/stats. Reset swaps in
// a fresh core atomically rather than zeroing in place, so readers never see
// a half-cleared aggregate.
type Stats struct {
	core atomic.Pointer[statsCore]
}

type statsCore struct {
	mu       sync.Mutex
	since    time.Time
	total    int64
	byClass  map[string]int64
	byRoute  map[string]int64
	byStatus map[int]int64
}

func newCore() *statsCore {
	return &statsCore{
		since:    time.Now(),
		byClass:  map[string]int64{},
		byRoute:  map[string]int64{},
		byStatus: map[int]int64{},
	}
}

func NewStats() *Stats {
	s := &Stats{}
	s.core.Store(newCore())
	return s
}

func (s *Stats) Record(route string, status int) {
	c := s.core.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byClass[statusClass(status)]++
	c.byStatus[status]++
	if route != "" {
		c.byRoute[route]++
	}
}

func (s *Stats) Reset() {
	s.core.Store(newCore())
}

// Summary is the JSON shape of the aggregate.
type Summary struct {
	Since    time.Time        `json:"since"`
	Total    int64            `json:"total"`
	ByClass  map[string]int64 `json:"by_class"`
	ByRoute  map[string]int64 `json:"by_route"`
	ByStatus map[int]int64    `json:"by_status"`
}

func (s *Stats) Snapshot() Summary {
	c := s.core.Load()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Summary{
		Since:    c.since,
		Total:    c.total,
		ByClass:  make(map[string]int64, len(c.byClass)),
		ByRoute:  make(map[string]int64, len(c.byRoute)),
		ByStatus: make(map[int]int64, len(c.byStatus)),
	}
	for k, v := range c.byClass {
		out.ByClass[k] = v
	}
	for k, v := range c.byRoute {
		out.ByRoute[k] = v
	}
	for k, v := range c.byStatus {
		out.ByStatus[k] = v
	}
	return out
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

package ratelimit

import (
	"context"
	"path"
	"sync"
	"time"
)

type memEntry struct {
	n         int64
	expiresAt time.Time // zero means no TTL set yet
}

// MemoryStore is a process-local Store for development and tests. A janitor
// goroutine evicts expired counters.
type MemoryStore struct {
	mu     sync.Mutex
	m      map[string]*memEntry
	stopCh chan struct{}
	once   sync.Once
}

func NewMemoryStore(cleanupEvery time.Duration) *MemoryStore {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	ms := &MemoryStore{
		m:      make(map[string]*memEntry),
		stopCh: make(chan struct{}),
	}
	go ms.gcLoop(cleanupEvery)
	return ms
}

func (s *MemoryStore) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			now := time.Now()
			for k, e := range s.m {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.m, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) live(key string) *memEntry {
	e := s.m[key]
	if e == nil {
		return nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.m, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, false, nil
	}
	return e.n, true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memEntry{}
		s.m[key] = e
	}
	e.n++
	return e.n, nil
}

func (s *MemoryStore) ExpireNX(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key); e != nil && e.expiresAt.IsZero() {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for k := range s.m {
		if ok, _ := path.Match(pattern, k); ok {
			delete(s.m, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

package gloup

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// recordingSink captures everything reported to it.
type recordingSink struct {
	mu      sync.Mutex
	events  []string
	metrics []string
	errs    []error
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) Event(name string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *recordingSink) Metric(name string, _ time.Duration, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, name)
}

func (s *recordingSink) Error(err error, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func (s *recordingSink) errorList() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// fakeBackend records calls and answers through optional hooks. Without a
// hook, selects return nothing and mutations echo their values with an id.
type fakeBackend struct {
	mu        sync.Mutex
	selects   []SelectQuery
	mutations []Mutation
	onSelect  func(SelectQuery) ([]Row, error)
	onMutate  func(Mutation) ([]Row, error)
}

func (b *fakeBackend) Select(_ context.Context, q SelectQuery) ([]Row, error) {
	b.mu.Lock()
	b.selects = append(b.selects, q)
	hook := b.onSelect
	b.mu.Unlock()
	if hook != nil {
		return hook(q)
	}
	return nil, nil
}

func (b *fakeBackend) Mutate(_ context.Context, m Mutation) ([]Row, error) {
	b.mu.Lock()
	b.mutations = append(b.mutations, m)
	n := len(b.mutations)
	hook := b.onMutate
	b.mu.Unlock()
	if hook != nil {
		return hook(m)
	}
	row := Row{"id": m.Table + "-" + strconv.Itoa(n)}
	for k, v := range m.Values {
		row[k] = v
	}
	return []Row{row}, nil
}

func (b *fakeBackend) setMutate(fn func(Mutation) ([]Row, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMutate = fn
}

func (b *fakeBackend) mutationLog() []Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Mutation(nil), b.mutations...)
}

func (b *fakeBackend) selectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.selects)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

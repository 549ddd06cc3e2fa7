// Package countertest provides a scripted counter backend for tests that
// need a Set without hardware counters.
package countertest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Guliveer/nrmextra/internal/counter"
)

// ErrInjected is returned by operations made to fail.
var ErrInjected = errors.New("countertest: injected failure")

// Backend resolves the counters it was created with. Each opened counter
// advances by its step on every Read while started.
type Backend struct {
	mu       sync.Mutex
	infos    map[string]counter.Info
	steps    map[string]uint64
	denyPID  bool
	failRead int
	reads    int
	opened   []int
	open     int
	closed   int
}

// New creates a backend offering one counting counter per name, each
// advancing by 100 per read.
func New(names ...string) *Backend {
	b := &Backend{
		infos: make(map[string]counter.Info),
		steps: make(map[string]uint64),
	}
	for _, name := range names {
		b.AddCounter(counter.Info{Name: name, Unit: counter.UnitCount}, 100)
	}
	return b
}

// AddCounter offers info, advancing by step per read.
func (b *Backend) AddCounter(info counter.Info, step uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.infos[info.Name] = info
	b.steps[info.Name] = step
}

// DenyAttach makes opening for a foreign pid fail with ErrAttachDenied.
func (b *Backend) DenyAttach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denyPID = true
}

// FailReadAt makes the n-th Read across all counters fail (1-based).
func (b *Backend) FailReadAt(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRead = n
}

// OpenedPIDs returns the pid of every Open call.
func (b *Backend) OpenedPIDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.opened...)
}

// Leaked returns the number of opened counters that were never closed.
func (b *Backend) Leaked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open - b.closed
}

// Registry returns a counter registry holding only this backend.
func (b *Backend) Registry() *counter.Registry {
	r := counter.NewRegistry(nil)
	r.Register(b)
	return r
}

func (b *Backend) Name() string      { return "fake" }
func (b *Backend) IsAvailable() bool { return true }

func (b *Backend) Resolve(name string) (counter.Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.infos[name]
	return info, ok
}

func (b *Backend) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.infos))
	for name := range b.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Backend) Open(info counter.Info, pid int) (counter.Counter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opened = append(b.opened, pid)
	if pid > 0 && b.denyPID {
		return nil, fmt.Errorf("%w: pid %d", counter.ErrAttachDenied, pid)
	}
	step, ok := b.steps[info.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", counter.ErrCounterNotFound, info.Name)
	}
	b.open++
	return &fakeCounter{backend: b, step: step}, nil
}

func (b *Backend) nextRead() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if b.failRead > 0 && b.reads == b.failRead {
		return ErrInjected
	}
	return nil
}

type fakeCounter struct {
	backend *Backend
	step    uint64

	mu      sync.Mutex
	value   uint64
	running bool
	closed  bool
}

func (c *fakeCounter) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *fakeCounter) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *fakeCounter) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = 0
	return nil
}

func (c *fakeCounter) Read() (uint64, error) {
	if err := c.backend.nextRead(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.value += c.step
	}
	return c.value, nil
}

func (c *fakeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.backend.mu.Lock()
	c.backend.closed++
	c.backend.mu.Unlock()
	return nil
}

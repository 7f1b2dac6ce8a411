package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

type fakeWatcher struct {
	id       string
	interval time.Duration
	ticks    atomic.Int32
	started  chan struct{}
	release  chan struct{}
	canceled atomic.Bool
}

func newFakeWatcher(id string, blocking bool) *fakeWatcher {
	w := &fakeWatcher{id: id, interval: time.Second, started: make(chan struct{}, 16)}
	if blocking {
		w.release = make(chan struct{})
	}
	return w
}

func (w *fakeWatcher) ID() string              { return w.id }
func (w *fakeWatcher) Interval() time.Duration { return w.interval }

func (w *fakeWatcher) Tick(ctx context.Context, gen uint64) error {
	w.ticks.Add(1)
	select {
	case w.started <- struct{}{}:
	default:
	}
	if w.release != nil {
		<-w.release
	}
	if ctx.Err() != nil {
		w.canceled.Store(true)
	}
	return nil
}

type recordingAdvancer struct {
	mu   sync.Mutex
	gens []uint64
}

func (a *recordingAdvancer) Advance(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gens = append(a.gens, gen)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(cache Advancer) (*Scheduler, *testClock) {
	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := New(time.Second, cache, nil)
	s.SetClock(clock.Now)
	return s, clock
}

func waitAll(t *testing.T, chans []chan struct{}) {
	t.Helper()
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("tick did not finish")
		}
	}
}

func TestScheduler_StartIdempotent(t *testing.T) {
	s, _ := newTestScheduler(nil)
	w := newFakeWatcher("grid:u1:g1", false)

	if err := s.Start(w); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(w); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	waitAll(t, s.step())
	if got := w.ticks.Load(); got != 1 {
		t.Errorf("ticks = %d, want 1", got)
	}
	if got := len(s.Watchers()); got != 1 {
		t.Errorf("watchers = %d, want 1", got)
	}
}

func TestScheduler_StartRejectsZeroInterval(t *testing.T) {
	s, _ := newTestScheduler(nil)
	w := newFakeWatcher("grid:u1:g1", false)
	w.interval = 0
	if err := s.Start(w); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Start() error = %v, want ErrConfiguration", err)
	}
}

func TestScheduler_StepAdvancesGeneration(t *testing.T) {
	adv := &recordingAdvancer{}
	s, _ := newTestScheduler(adv)

	s.step()
	s.step()
	s.step()

	if s.Generation() != 3 {
		t.Errorf("Generation() = %d, want 3", s.Generation())
	}
	adv.mu.Lock()
	defer adv.mu.Unlock()
	if len(adv.gens) != 3 || adv.gens[0] != 1 || adv.gens[2] != 3 {
		t.Errorf("advanced gens = %v", adv.gens)
	}
}

func TestScheduler_RespectsInterval(t *testing.T) {
	s, clock := newTestScheduler(nil)
	w := newFakeWatcher("triggers:u1", false)
	w.interval = 5 * time.Second
	s.Start(w)

	waitAll(t, s.step())

	tests := []struct {
		advance time.Duration
		want    int32
	}{
		{time.Second, 1},
		{3 * time.Second, 1},
		{time.Second, 2},
		{time.Second, 2},
	}
	for _, tt := range tests {
		clock.Add(tt.advance)
		waitAll(t, s.step())
		if got := w.ticks.Load(); got != tt.want {
			t.Errorf("after +%v ticks = %d, want %d", tt.advance, got, tt.want)
		}
	}
}

func TestScheduler_NoOverlapNoBacklog(t *testing.T) {
	s, clock := newTestScheduler(nil)
	w := newFakeWatcher("grid:u1:g1", true)
	s.Start(w)

	first := s.step()
	<-w.started

	// тик еще в полете: новые шаги его не дублируют
	for i := 0; i < 5; i++ {
		clock.Add(time.Second)
		if got := s.step(); len(got) != 0 {
			t.Fatalf("step dispatched %d ticks while one is in flight", len(got))
		}
	}

	close(w.release)
	waitAll(t, first)

	clock.Add(time.Second)
	waitAll(t, s.step())
	if got := w.ticks.Load(); got != 2 {
		t.Errorf("ticks = %d, want 2 (no backlog)", got)
	}
}

func TestScheduler_StopWaitsForInFlightTick(t *testing.T) {
	s, clock := newTestScheduler(nil)
	w := newFakeWatcher("grid:u1:g1", true)
	s.Start(w)

	s.step()
	<-w.started

	stopped := make(chan struct{})
	go func() {
		s.Stop(w.id)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if !w.canceled.Load() {
		t.Error("tick context was not cancelled")
	}
	if s.IsRunning(w.id) {
		t.Error("watcher still running after Stop")
	}

	clock.Add(time.Minute)
	if got := s.step(); len(got) != 0 {
		t.Errorf("stopped watcher got %d ticks", len(got))
	}
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	s, clock := newTestScheduler(nil)
	w := newFakeWatcher("grid:u1:g1", false)
	s.Start(w)
	waitAll(t, s.step())

	if !s.Stop(w.id) {
		t.Fatal("Stop() = false")
	}
	if s.Stop(w.id) {
		t.Error("second Stop() = true")
	}

	if err := s.Start(w); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Add(time.Second)
	waitAll(t, s.step())
	if got := w.ticks.Load(); got != 2 {
		t.Errorf("ticks = %d, want 2", got)
	}
}

func TestScheduler_Remove(t *testing.T) {
	s, _ := newTestScheduler(nil)
	s.Start(newFakeWatcher("triggers:u1", false))

	if !s.Remove("triggers:u1") {
		t.Fatal("Remove() = false")
	}
	if got := len(s.Watchers()); got != 0 {
		t.Errorf("watchers = %d, want 0", got)
	}
	if s.Remove("triggers:u1") {
		t.Error("Remove() of unknown watcher = true")
	}
}

func TestScheduler_RunStopsAllOnCancel(t *testing.T) {
	s := New(10*time.Millisecond, nil, nil)
	w := newFakeWatcher("triggers:u1", false)
	w.interval = 10 * time.Millisecond
	s.Start(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never ticked")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if s.IsRunning(w.id) {
		t.Error("watcher still running after Run returned")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"grid:u1:g1", "grid"},
		{"triggers:u1", "triggers"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := kindOf(tt.id); got != tt.want {
			t.Errorf("kindOf(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

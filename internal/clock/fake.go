package clock

import (
	"sync"
	"time"
)

// Fake is a manually driven Clock. Ticks are only delivered by Advance or Tick.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[*fakeTicker]struct{}
}

var _ Clock = (*Fake)(nil)

// NewFake returns a Fake clock set to now.
func NewFake(now time.Time) *Fake {
	return &Fake{
		now:     now,
		tickers: make(map[*fakeTicker]struct{}),
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t without firing tickers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d and fires every ticker whose period has elapsed.
// A ticker fires at most once per call, matching time.Ticker dropping ticks for slow readers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeTicker
	for t := range f.tickers {
		if !t.next.After(now) {
			due = append(due, t)
			for !t.next.After(now) {
				t.next = t.next.Add(t.period)
			}
		}
	}
	f.mu.Unlock()

	for _, t := range due {
		t.deliver(now)
	}
}

// Tick delivers at to every active ticker regardless of the current time.
// It is used to simulate delayed or out-of-order ticks.
func (f *Fake) Tick(at time.Time) {
	f.mu.Lock()
	tickers := make([]*fakeTicker, 0, len(f.tickers))
	for t := range f.tickers {
		tickers = append(tickers, t)
	}
	f.mu.Unlock()

	for _, t := range tickers {
		t.deliver(at)
	}
}

// ActiveTickers returns the number of tickers that have not been stopped.
func (f *Fake) ActiveTickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		clock:   f,
		period:  d,
		next:    f.now.Add(d),
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
	}
	f.tickers[t] = struct{}{}
	return t
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.once.Do(func() {
		t.clock.mu.Lock()
		delete(t.clock.tickers, t)
		t.clock.mu.Unlock()
		close(t.stopped)
	})
}

// deliver blocks until the tick is read or the ticker is stopped.
func (t *fakeTicker) deliver(at time.Time) {
	select {
	case t.c <- at:
	case <-t.stopped:
	}
}

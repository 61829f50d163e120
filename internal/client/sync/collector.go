package sync

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTickInterval = 500 * time.Millisecond
	DefaultDebounceAge  = time.Second
	DefaultResyncEvery  = 10
)

// EventSink receives reduced events in order
type EventSink interface {
	Enqueue(ev *SyncEvent)
	Idle() bool
}

type CollectorConfig struct {
	Buffer   *EventBuffer
	Reducer  *Reducer
	Sink     EventSink
	Resyncer *Resyncer
	Clock    clockwork.Clock

	TickInterval time.Duration
	DebounceAge  time.Duration
	// ResyncEvery runs a sweep every n ticks, zero disables it
	ResyncEvery int
}

// Collector periodically pulls aged events out of the buffer, reduces them
// and hands the survivors to the sender.
type Collector struct {
	buffer   *EventBuffer
	reducer  *Reducer
	sink     EventSink
	resyncer *Resyncer
	clock    clockwork.Clock

	tickInterval time.Duration
	debounceAge  time.Duration
	resyncEvery  int
	ticks        int
	mu           sync.Mutex
}

func NewCollector(cfg CollectorConfig) *Collector {
	c := &Collector{
		buffer:       cfg.Buffer,
		reducer:      cfg.Reducer,
		sink:         cfg.Sink,
		resyncer:     cfg.Resyncer,
		clock:        cfg.Clock,
		tickInterval: cfg.TickInterval,
		debounceAge:  cfg.DebounceAge,
		resyncEvery:  cfg.ResyncEvery,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.tickInterval <= 0 {
		c.tickInterval = DefaultTickInterval
	}
	if c.debounceAge < 0 {
		c.debounceAge = DefaultDebounceAge
	}
	return c
}

// Run ticks until ctx is done, keeping a stable cadence regardless of reduction cost
func (c *Collector) Run(ctx context.Context) error {
	slog.Debug("collector start", "tick", c.tickInterval, "debounce", c.debounceAge)
	defer slog.Debug("collector stop")

	for {
		start := c.clock.Now()
		c.Tick()

		wait := max(c.tickInterval-c.clock.Since(start), 0)
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}
	}
}

// Tick runs one collection pass and returns how many events were enqueued.
// Failures are logged and absorbed.
func (c *Collector) Tick() (enqueued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("collector panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	c.ticks++

	aged := c.buffer.ExtractOlderThan(c.debounceAge)
	if aged.Len() > 0 {
		for _, ev := range c.reducer.Reduce(aged) {
			c.sink.Enqueue(ev)
			enqueued++
		}
		slog.Debug("collector reduced", "raw", aged.Len(), "enqueued", enqueued)
	}

	if c.shouldResync() {
		c.resyncer.Sweep()
	}

	return enqueued
}

// shouldResync only sweeps a quiet session so in-flight work is never re-reported
func (c *Collector) shouldResync() bool {
	if c.resyncer == nil || c.resyncEvery <= 0 || c.ticks%c.resyncEvery != 0 {
		return false
	}
	return c.buffer.Len() == 0 && c.sink.Idle()
}

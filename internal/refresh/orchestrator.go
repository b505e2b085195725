// Package refresh coalesces bursts of refresh triggers into throttled
// refresh passes over a set of registered consumers.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/clock"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
)

// ErrClosed is returned by RefreshNow after Close.
var ErrClosed = errors.New("refresh: orchestrator closed")

const (
	DefaultMinInterval = 2 * time.Second
	DefaultFloorDelay  = 100 * time.Millisecond
)

// Mode selects how triggers are handled. It is fixed at construction.
type Mode int

const (
	// ModeThrottled runs at most one pass per MinInterval, with one
	// trailing pass for triggers that arrive inside the window.
	ModeThrottled Mode = iota

	// ModeImmediate runs a pass for every trigger and waits for it.
	ModeImmediate
)

func (m Mode) String() string {
	if m == ModeImmediate {
		return "immediate"
	}
	return "throttled"
}

// ParseMode parses "throttled" or "immediate".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "throttled":
		return ModeThrottled, nil
	case "immediate":
		return ModeImmediate, nil
	default:
		return ModeThrottled, fmt.Errorf("unknown refresh mode %q", s)
	}
}

// Consumer is anything that can reload its own data. The orchestrator
// never inspects the outcome; consumers track their own errors.
type Consumer interface {
	Refresh(ctx context.Context)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context)

func (f ConsumerFunc) Refresh(ctx context.Context) { f(ctx) }

// Options configures an Orchestrator. Zero values take the defaults.
type Options struct {
	Mode        Mode
	MinInterval time.Duration
	FloorDelay  time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

type registration struct {
	id       uint64
	name     string
	consumer Consumer
}

// Orchestrator is the refresh orchestrator. It is safe for concurrent use.
type Orchestrator struct {
	mode        Mode
	minInterval time.Duration
	floorDelay  time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	// ctx is handed to consumers and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	idle        *sync.Cond
	consumers   []registration
	nextID      uint64
	refreshed   bool
	lastRefresh time.Time
	timer       *clock.Timer
	timerSeq    uint64
	running     int
	closed      bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.FloorDelay <= 0 {
		opts.FloorDelay = DefaultFloorDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("refresh")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		mode:        opts.Mode,
		minInterval: opts.MinInterval,
		floorDelay:  opts.FloorDelay,
		clock:       opts.Clock,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	o.idle = sync.NewCond(&o.mu)
	return o
}

// Register adds a consumer under name and returns a function that removes
// it. Registering a name again replaces the earlier consumer in place.
func (o *Orchestrator) Register(name string, c Consumer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	reg := registration{id: o.nextID, name: name, consumer: c}
	replaced := false
	for i, r := range o.consumers {
		if r.name == name {
			o.consumers[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		o.consumers = append(o.consumers, reg)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, r := range o.consumers {
				if r.id == reg.id {
					o.consumers = append(o.consumers[:i], o.consumers[i+1:]...)
					return
				}
			}
		})
	}
}

// Trigger requests a refresh pass.
//
// In throttled mode the first trigger, or one arriving at least MinInterval
// after the last pass, starts a pass at once. A trigger inside the window
// schedules a single trailing pass after max(FloorDelay, MinInterval -
// elapsed); further triggers before it fires are absorbed by it.
//
// In immediate mode every trigger runs a pass and waits for it.
func (o *Orchestrator) Trigger() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	now := o.clock.Now()

	if o.mode == ModeImmediate {
		done := o.startPassLocked(now, "immediate")
		o.mu.Unlock()
		metrics.RecordTrigger("immediate")
		<-done
		return
	}

	if o.timer != nil {
		o.mu.Unlock()
		metrics.RecordTrigger("coalesced")
		return
	}

	elapsed := now.Sub(o.lastRefresh)
	if !o.refreshed || elapsed >= o.minInterval {
		o.startPassLocked(now, "trigger")
		o.mu.Unlock()
		metrics.RecordTrigger("immediate")
		return
	}

	delay := o.minInterval - elapsed
	if delay < o.floorDelay {
		delay = o.floorDelay
	}
	o.timerSeq++
	seq := o.timerSeq
	o.timer = o.clock.AfterFunc(delay, func() { o.fire(seq) })
	o.mu.Unlock()

	metrics.RecordTrigger("scheduled")
	o.logger.Debug("refresh scheduled", zap.Duration("delay", delay))
}

// RefreshNow runs a pass immediately, cancelling any scheduled pass, and
// waits for every consumer to return or for ctx to be done. Consumers run
// with the orchestrator's context, not ctx.
func (o *Orchestrator) RefreshNow(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.stopTimerLocked()
	done := o.startPassLocked(o.clock.Now(), "forced")
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether a trailing pass is scheduled.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timer != nil
}

// LastRefresh returns the start time of the most recent pass, or the zero
// time if none has run.
func (o *Orchestrator) LastRefresh() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.refreshed {
		return time.Time{}
	}
	return o.lastRefresh
}

// Wait blocks until no consumer is running.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.running > 0 {
		o.idle.Wait()
	}
}

// Close cancels a scheduled pass and the context of running consumers,
// then waits for them. Later triggers are ignored.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTimerLocked()
	o.mu.Unlock()

	o.cancel()
	o.Wait()
	o.logger.Debug("refresh orchestrator closed")
}

func (o *Orchestrator) fire(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.timer == nil || o.timerSeq != seq {
		return
	}
	o.timer = nil
	o.startPassLocked(o.clock.Now(), "scheduled")
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// startPassLocked starts one goroutine per consumer, in registration
// order, and returns a channel closed when all of them have returned.
func (o *Orchestrator) startPassLocked(now time.Time, reason string) <-chan struct{} {
	o.refreshed = true
	o.lastRefresh = now

	consumers := make([]registration, len(o.consumers))
	copy(consumers, o.consumers)
	metrics.RecordRefreshPass(reason)
	o.logger.Debug("refresh pass",
		zap.String("reason", reason),
		zap.Int("consumers", len(consumers)))

	done := make(chan struct{})
	if len(consumers) == 0 {
		close(done)
		return done
	}

	var pass sync.WaitGroup
	pass.Add(len(consumers))
	o.running += len(consumers)
	for _, r := range consumers {
		go func(r registration) {
			defer pass.Done()
			defer o.consumerDone()
			start := time.Now()
			r.consumer.Refresh(o.ctx)
			metrics.RecordConsumerRefresh(r.name, time.Since(start))
		}(r)
	}
	go func() {
		pass.Wait()
		close(done)
	}()
	return done
}

func (o *Orchestrator) consumerDone() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running--
	if o.running == 0 {
		o.idle.Broadcast()
	}
}

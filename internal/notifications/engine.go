package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/albapepper/agencyops/internal/metrics"
)

// Source is a detector run on a schedule by the engine. Collect returns the
// events observed at now.
type Source interface {
	Name() string
	Collect(ctx context.Context, now time.Time) ([]Event, error)
}

// EnqueueResult reports what one event turned into.
type EnqueueResult struct {
	IDs        []int64 `json:"ids"`
	Created    int     `json:"created"`
	Disabled   int     `json:"disabled"`
	Cooldown   int     `json:"cooldown"`
	Unresolved int     `json:"unresolved"`
}

// QueueStatus is the administrative view of the queue.
type QueueStatus struct {
	Counts       Counts     `json:"counts"`
	RecentErrors []LogEntry `json:"recent_errors"`
}

type scheduledSource struct {
	src   Source
	every time.Duration
	spec  string
}

// Engine wires detection sources, the factory, the queue and the
// dispatcher into long-running loops.
type Engine struct {
	factory    *Factory
	queue      Queue
	log        DeliveryLog
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	dispatchEvery time.Duration
	sources       []scheduledSource
	kick          chan struct{}

	// Events whose enqueue failed, per source. Detectors report a change
	// once, so these are offered again on the source's next cycle.
	mu       sync.Mutex
	retained map[string][]Event
}

// NewEngine builds an engine around an existing factory and dispatcher.
func NewEngine(factory *Factory, queue Queue, log DeliveryLog, dispatcher *Dispatcher, dispatchEvery time.Duration, logger *slog.Logger) *Engine {
	if dispatchEvery <= 0 {
		dispatchEvery = DefaultDispatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		factory:       factory,
		queue:         queue,
		log:           log,
		dispatcher:    dispatcher,
		logger:        logger,
		now:           time.Now,
		dispatchEvery: dispatchEvery,
		kick:          make(chan struct{}, 1),
		retained:      make(map[string][]Event),
	}
}

// SetClock replaces the engine's and the dispatcher's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.dispatcher.SetClock(now)
}

// Every registers src to run on a fixed interval.
func (e *Engine) Every(src Source, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval for %s must be positive, got %s", src.Name(), interval)
	}
	e.sources = append(e.sources, scheduledSource{src: src, every: interval})
	return nil
}

// OnSchedule registers src to run on a cron schedule ("@every 10m",
// "*/15 8-19 * * 1-5").
func (e *Engine) OnSchedule(src Source, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule %q for %s: %w", spec, src.Name(), err)
	}
	e.sources = append(e.sources, scheduledSource{src: src, spec: spec})
	return nil
}

// Enqueue turns one event into pending records. It is the entry point for
// both detectors and administrative injection.
func (e *Engine) Enqueue(ctx context.Context, ev Event) (EnqueueResult, error) {
	var res EnqueueResult
	now := e.now()
	plan, err := e.factory.Plan(ctx, ev, now)
	if err != nil {
		return res, err
	}
	res.Disabled, res.Cooldown, res.Unresolved = plan.Disabled, plan.Cooldown, plan.Unresolved
	if len(plan.Records) == 0 {
		return res, nil
	}

	if err := e.queue.Enqueue(ctx, plan.Records); err != nil {
		return res, fmt.Errorf("enqueue notifications: %w", err)
	}
	for _, rec := range plan.Records {
		res.IDs = append(res.IDs, rec.ID)
		metrics.NotificationsCreated.WithLabelValues(string(rec.Category), rec.Priority.String()).Inc()
	}
	res.Created = len(plan.Records)
	e.Kick()
	return res, nil
}

// QueueStatus returns counts per status and the latest delivery errors.
func (e *Engine) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return st, fmt.Errorf("queue counts: %w", err)
	}
	st.Counts = counts
	st.RecentErrors, err = e.log.RecentFailures(ctx, recentErrorsLimit)
	if err != nil {
		return st, fmt.Errorf("recent failures: %w", err)
	}
	if st.RecentErrors == nil {
		st.RecentErrors = []LogEntry{}
	}
	return st, nil
}

// RunOnce forces an immediate dispatch cycle.
func (e *Engine) RunOnce(ctx context.Context) (BatchResult, error) {
	return e.dispatcher.RunOnce(ctx)
}

// Kick wakes the dispatcher loop early. Never blocks.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Collect runs src once and enqueues what it finds, together with events
// from earlier cycles whose enqueue failed. Returns the number of events the
// source reported.
func (e *Engine) Collect(ctx context.Context, src Source) (int, error) {
	cycle := uuid.NewString()[:8]
	start := time.Now()
	events, err := src.Collect(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", src.Name(), err)
	}
	metrics.EventsDetected.WithLabelValues(src.Name()).Add(float64(len(events)))

	backlog := e.takeRetained(src.Name())
	var failed []Event
	created := 0
	for _, ev := range append(backlog, events...) {
		res, err := e.Enqueue(ctx, ev)
		if err != nil {
			e.logger.Warn("Enqueue failed, will retry next cycle", "source", src.Name(), "cycle_id", cycle, "error", err)
			failed = append(failed, ev)
			continue
		}
		created += res.Created
	}
	e.retain(src.Name(), failed)

	if len(events) > 0 || len(backlog) > 0 {
		e.logger.Info("Detection cycle",
			"source", src.Name(), "cycle_id", cycle,
			"events", len(events), "retried", len(backlog), "retained", len(failed),
			"notifications", created,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	return len(events), nil
}

// Retained returns how many events of the named source wait for another
// enqueue attempt.
func (e *Engine) Retained(source string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retained[source])
}

func (e *Engine) takeRetained(source string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evs := e.retained[source]
	delete(e.retained, source)
	return evs
}

// retain keeps at most maxRetainedEvents per source, dropping the oldest.
func (e *Engine) retain(source string, evs []Event) {
	if over := len(evs) - maxRetainedEvents; over > 0 {
		e.logger.Error("Dropping events that could not be enqueued", "source", source, "dropped", over)
		evs = evs[over:]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(evs) == 0 {
		delete(e.retained, source)
	} else {
		e.retained[source] = evs
	}
	metrics.EventsRetained.WithLabelValues(source).Set(float64(len(evs)))
}

// Start runs every registered source and the dispatcher until ctx is
// cancelled. It returns after all loops have exited; an in-flight dispatch
// batch is allowed to finish first.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Notification engine started",
		"sources", len(e.sources), "dispatch_interval", e.dispatchEvery)

	var wg sync.WaitGroup
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.logger})))

	for _, s := range e.sources {
		src := s.src
		run := func() { e.guard(src.Name(), func() { e.collectAndLog(ctx, src) }) }
		if s.spec != "" {
			if _, err := c.AddFunc(s.spec, run); err != nil {
				e.logger.Error("Invalid source schedule", "source", src.Name(), "spec", s.spec, "error", err)
			}
			continue
		}
		wg.Add(1)
		go func(every time.Duration) {
			defer wg.Done()
			t := time.NewTicker(every)
			defer t.Stop()
			run()
			runLoop(ctx, t.C, nil, run)
		}(s.every)
	}
	c.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.dispatchEvery)
		defer t.Stop()
		runLoop(ctx, t.C, e.kick, func() { e.guard("dispatch", func() { e.dispatchAndLog(ctx) }) })
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	e.logger.Info("Notification engine stopped")
}

func runLoop(ctx context.Context, tick <-chan time.Time, kick <-chan struct{}, fn func()) {
	for {
		select {
		case <-tick:
			fn()
		case <-kick:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// guard keeps one bad iteration from taking its loop down.
func (e *Engine) guard(loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Loop iteration panicked", "loop", loop, "panic", r)
			metrics.LoopPanics.WithLabelValues(loop).Inc()
		}
	}()
	fn()
}

func (e *Engine) collectAndLog(ctx context.Context, src Source) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.Collect(ctx, src); err != nil {
		e.logger.Error("Detection cycle failed", "source", src.Name(), "error", err)
		metrics.SourceErrors.WithLabelValues(src.Name()).Inc()
	}
}

func (e *Engine) dispatchAndLog(ctx context.Context) {
	res, err := e.dispatcher.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Dispatch error", "error", err)
		}
		return
	}
	if !res.Empty() {
		e.logger.Info("Dispatch batch",
			"claimed", res.Claimed, "sent", res.Sent, "retrying", res.Retrying,
			"failed", res.Failed, "cancelled", res.Cancelled,
			"deferred", res.Deferred, "superseded", res.Superseded)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

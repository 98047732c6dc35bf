package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUnknownEventType = errors.New("eventbus: unknown event type")
	ErrPayloadMismatch  = errors.New("eventbus: payload does not match event type")
	ErrHandlerFailed    = errors.New("eventbus: handler failed")
	ErrHandlerTimeout   = errors.New("eventbus: handler timed out")
)

const defaultHandlerTimeout = 30 * time.Second

// HandlerFunc reacts to a dequeued event. Returned errors are recorded on the
// event and logged; they never reach the emitter.
//
// A handler must return once ctx is done. The bus stops waiting when the
// handler timeout expires and moves on to the next handler, so one that
// ignores ctx keeps running beside it; Stats reports those as
// DetachedHandlers.
type HandlerFunc func(ctx context.Context, event domain.PlatformEvent) error

// SubscriberFunc observes events at emit time. It must not block or emit.
type SubscriberFunc func(event domain.PlatformEvent)

// Recorder persists processed events, e.g. into an outbox table.
type Recorder interface {
	RecordEvent(ctx context.Context, event domain.PlatformEvent) error
}

type handlerEntry struct {
	eventType domain.EventType
	priority  int
	fn        HandlerFunc
}

// Subscription is a passive observer registered through Subscribe.
type Subscription struct {
	ID         string
	EventTypes map[domain.EventType]struct{}
	Callback   SubscriberFunc
	Active     bool
}

// Stats is a point-in-time view of bus counters. DetachedHandlers are timed
// out handlers that have not returned yet.
type Stats struct {
	Emitted          int64 `json:"emitted"`
	Processed        int64 `json:"processed"`
	HandlerErrors    int64 `json:"handler_errors"`
	HandlerTimeouts  int64 `json:"handler_timeouts"`
	DetachedHandlers int64 `json:"detached_handlers"`
	QueueSize        int   `json:"queue_size"`
	Subscribers      int   `json:"subscribers"`
}

// Bus is a single-process publish/dispatch hub. Exactly one drain loop runs
// at a time, so handlers never overlap; events emitted from inside a handler
// join the same FIFO queue and are processed before the outer Emit returns.
type Bus struct {
	mu          sync.Mutex
	handlers    map[domain.EventType][]handlerEntry
	subscribers map[string]*Subscription
	queue       []*domain.PlatformEvent
	processing  bool
	idle        chan struct{}

	handlerTimeout time.Duration
	recorder       Recorder
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time

	emitted       atomic.Int64
	processed     atomic.Int64
	handlerErrors atomic.Int64
	timeouts      atomic.Int64
	detached      atomic.Int64
}

// Option customizes Bus construction.
type Option func(*Bus)

// WithHandlerTimeout bounds each handler invocation. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers:       make(map[domain.EventType][]handlerEntry),
		subscribers:    make(map[string]*Subscription),
		handlerTimeout: defaultHandlerTimeout,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// RegisterHandler adds fn for eventType. Handlers run in ascending priority;
// equal priorities keep registration order. Duplicates are not detected.
func (b *Bus) RegisterHandler(eventType domain.EventType, priority int, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.handlers[eventType], handlerEntry{eventType: eventType, priority: priority, fn: fn})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	b.handlers[eventType] = list
}

// Subscribe registers a passive observer and returns its subscription id.
func (b *Bus) Subscribe(eventTypes []domain.EventType, cb SubscriberFunc) string {
	set := make(map[domain.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = struct{}{}
	}
	sub := &Subscription{
		ID:         uuid.NewString(),
		EventTypes: set,
		Callback:   cb,
		Active:     true,
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// EmitOption decorates the event built by Emit.
type EmitOption func(*domain.PlatformEvent)

// WithUser attributes the event to a user and marks it user-sourced unless a
// source was already set.
func WithUser(userID, userType string) EmitOption {
	return func(e *domain.PlatformEvent) {
		e.UserID = userID
		e.UserType = userType
		if e.Source == domain.SourceSystem {
			switch userType {
			case string(domain.SourceAdmin):
				e.Source = domain.SourceAdmin
			case string(domain.SourceVendor):
				e.Source = domain.SourceVendor
			default:
				e.Source = domain.SourceUser
			}
		}
	}
}

func WithSource(source domain.EventSource) EmitOption {
	return func(e *domain.PlatformEvent) { e.Source = source }
}

func WithSession(sessionID string) EmitOption {
	return func(e *domain.PlatformEvent) { e.Metadata.SessionID = sessionID }
}

type drainKey struct{}

// Emit publishes an event. Subscribers are notified synchronously before the
// event is queued. Called from outside a handler, Emit returns once the event
// and every event it transitively caused have been processed; called from a
// handler it only enqueues.
func (b *Bus) Emit(ctx context.Context, eventType domain.EventType, payload domain.Payload, opts ...EmitOption) (*domain.PlatformEvent, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if payload != nil && payload.EventType() != eventType {
		return nil, fmt.Errorf("%w: %s carries %s", ErrPayloadMismatch, eventType, payload.EventType())
	}

	event := &domain.PlatformEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Source:    domain.SourceSystem,
		Data:      payload,
	}
	for _, opt := range opts {
		opt(event)
	}

	b.notify(*event)

	b.mu.Lock()
	b.queue = append(b.queue, event)
	queued := len(b.queue)
	b.mu.Unlock()

	b.emitted.Add(1)
	b.metrics.observeEmit(eventType, queued)

	if owner, _ := ctx.Value(drainKey{}).(*Bus); owner == b {
		return event, nil
	}
	if err := b.drainOrWait(ctx); err != nil {
		return event, err
	}
	return event, nil
}

func (b *Bus) notify(event domain.PlatformEvent) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if !sub.Active {
			continue
		}
		if _, ok := sub.EventTypes[event.Type]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("subscriber panicked",
						"subscription_id", sub.ID,
						"event_id", event.ID,
						"event_type", event.Type,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			sub.Callback(event)
		}()
	}
}

func (b *Bus) drainOrWait(ctx context.Context) error {
	b.mu.Lock()
	if b.processing {
		idle := b.idle
		b.mu.Unlock()
		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.processing = true
	b.idle = make(chan struct{})
	b.mu.Unlock()

	b.drain(ctx)
	return nil
}

// drain processes the queue until it is empty. The loop is detached from the
// caller's cancellation because other emitters may be waiting on it.
func (b *Bus) drain(ctx context.Context) {
	dctx := context.WithValue(context.WithoutCancel(ctx), drainKey{}, b)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.processing = false
			close(b.idle)
			b.mu.Unlock()
			b.metrics.setQueueSize(0)
			return
		}
		event := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := append([]handlerEntry(nil), b.handlers[event.Type]...)
		remaining := len(b.queue)
		b.mu.Unlock()

		b.metrics.setQueueSize(remaining)
		b.process(dctx, event, handlers)
	}
}

func (b *Bus) process(ctx context.Context, event *domain.PlatformEvent, handlers []handlerEntry) {
	var errs []error
	for _, h := range handlers {
		start := time.Now()
		err := b.invoke(ctx, h, *event)
		b.metrics.observeHandler(event.Type, time.Since(start), err)
		if err != nil {
			b.handlerErrors.Add(1)
			errs = append(errs, err)
			b.logger.Error("event handler failed",
				"event_id", event.ID,
				"event_type", event.Type,
				"priority", h.priority,
				"error", err,
			)
		}
	}

	processedAt := b.now().UTC()
	event.Processed = true
	event.ProcessedAt = &processedAt
	if len(errs) > 0 {
		event.Error = errors.Join(errs...).Error()
	}
	b.processed.Add(1)

	b.logger.Debug("event processed",
		"event_id", event.ID,
		"event_type", event.Type,
		"handlers", len(handlers),
	)

	if b.recorder != nil {
		if err := b.recorder.RecordEvent(ctx, *event); err != nil {
			b.logger.Error("failed to record event",
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err,
			)
		}
	}
}

// invoke runs one handler, converting panics and timeouts into errors. A
// handler that outlives its timeout keeps running detached and is counted
// until it returns.
func (b *Bus) invoke(ctx context.Context, h handlerEntry, event domain.PlatformEvent) error {
	if b.handlerTimeout <= 0 {
		return safeCall(ctx, h.fn, event)
	}

	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(hctx, h.fn, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		b.timeouts.Add(1)
		b.detached.Add(1)
		go func() {
			<-done
			b.detached.Add(-1)
			b.logger.Warn("detached handler returned",
				"event_id", event.ID,
				"event_type", event.Type,
				"priority", h.priority,
			)
		}()
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, b.handlerTimeout)
	}
}

func safeCall(ctx context.Context, fn HandlerFunc, event domain.PlatformEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailed, r)
		}
	}()
	if err := fn(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}
	return nil
}

// QueueSize returns the number of events waiting to be processed.
func (b *Bus) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// HandlerCount returns how many handlers are registered for eventType.
func (b *Bus) HandlerCount(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	queued := len(b.queue)
	subs := len(b.subscribers)
	b.mu.Unlock()

	return Stats{
		Emitted:          b.emitted.Load(),
		Processed:        b.processed.Load(),
		HandlerErrors:    b.handlerErrors.Load(),
		HandlerTimeouts:  b.timeouts.Load(),
		DetachedHandlers: b.detached.Load(),
		QueueSize:        queued,
		Subscribers:      subs,
	}
}

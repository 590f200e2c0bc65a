// Package events is the in-process candle-close publish/subscribe bus that
// decouples the aggregator from strategy and indicator consumers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/util"
	"github.com/sirupsen/logrus"
)

// Candle close sources.
const (
	SourceLive   = "live"
	SourceEOD    = "eod"
	SourceReplay = "replay"
)

// DefaultQueueSize bounds pull queues registered with maxsize <= 0.
const DefaultQueueSize = 1024

// CandleCloseEvent announces a finalized candle for one timeframe.
type CandleCloseEvent struct {
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	Candle    models.Candle `json:"candle"`
	ClosedAt  time.Time     `json:"closed_at"`
	Source    string        `json:"source"`
}

// Listener is invoked inline by the publisher.
type Listener func(CandleCloseEvent)

// AsyncListener runs on its own goroutine so a slow consumer never blocks the
// publisher. Events reach it in publish order.
type AsyncListener func(ctx context.Context, evt CandleCloseEvent) error

type subscription struct {
	sync  Listener
	async *mailbox
}

// Bus fans candle-close events out to registered listeners.
type Bus struct {
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logger.WithField("component", "bus"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]*subscription),
	}
}

func (b *Bus) add(s *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	return b.nextID
}

// RegisterListener subscribes a synchronous callback and returns its id.
func (b *Bus) RegisterListener(fn Listener) int {
	return b.add(&subscription{sync: fn})
}

// RegisterAsyncListener subscribes a callback that runs off the publisher's goroutine.
func (b *Bus) RegisterAsyncListener(fn AsyncListener) int {
	mb := newMailbox(b.ctx, fn, b.logger)
	id := b.add(&subscription{async: mb})
	go mb.run()
	return id
}

// RegisterQueue subscribes a bounded pull queue. When the queue is full the
// oldest pending event is dropped in favour of the newest.
func (b *Bus) RegisterQueue(maxsize int) (int, <-chan CandleCloseEvent) {
	if maxsize <= 0 {
		maxsize = DefaultQueueSize
	}
	ch := make(chan CandleCloseEvent, maxsize)
	id := b.RegisterListener(func(evt CandleCloseEvent) {
		util.OfferLatest(ch, evt)
	})
	return id, ch
}

// RemoveListener unsubscribes id. Unknown ids are ignored. It waits for an
// in-flight async delivery, so an async listener must not remove itself.
func (b *Bus) RemoveListener(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok && s.async != nil {
		s.async.stop()
	}
}

// PublishCandleClose delivers evt to every listener. Listener failures are
// logged and never reach the caller.
func (b *Bus) PublishCandleClose(evt CandleCloseEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.async != nil {
			s.async.push(evt)
			continue
		}
		b.dispatch(s.sync, evt)
	}
}

func (b *Bus) dispatch(fn Listener, evt CandleCloseEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.WithLabelValues("bus").Inc()
			b.logger.WithFields(logrus.Fields{"timeframe": evt.Timeframe, "panic": r}).Error("listener error")
		}
	}()
	fn(evt)
}

// Close stops every async listener. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		if s.async != nil {
			s.async.stop()
		}
	}
}

// mailbox is an unbounded ordered queue drained by one goroutine.
type mailbox struct {
	fn     AsyncListener
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	pending []CandleCloseEvent
}

func newMailbox(parent context.Context, fn AsyncListener, logger logrus.FieldLogger) *mailbox {
	ctx, cancel := context.WithCancel(parent)
	return &mailbox{
		fn:     fn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

func (m *mailbox) push(evt CandleCloseEvent) {
	m.mu.Lock()
	m.pending = append(m.pending, evt)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			evt := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()

			if m.ctx.Err() != nil {
				return
			}
			m.deliver(evt)
		}
	}
}

func (m *mailbox) deliver(evt CandleCloseEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.WithLabelValues("bus").Inc()
			m.logger.WithFields(logrus.Fields{"timeframe": evt.Timeframe, "panic": r}).Error("async listener panic")
		}
	}()
	if err := m.fn(m.ctx, evt); err != nil {
		metrics.ListenerErrors.WithLabelValues("bus").Inc()
		m.logger.WithError(err).WithField("timeframe", evt.Timeframe).Error("async listener error")
	}
}

// stop cancels the mailbox and waits for an in-flight delivery to return.
// Undelivered events are discarded.
func (m *mailbox) stop() {
	m.cancel()
	<-m.done
}

func (e CandleCloseEvent) String() string {
	return fmt.Sprintf("%s %s %s close=%.2f", e.Symbol, e.Timeframe, e.Source, e.Candle.Close)
}

// Package pipeline turns a trade-tick stream into closed candles on a fixed
// intraday schedule and fans them out to storage, EMA and the event bus.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/sirupsen/logrus"
)

const module = "pipeline"

// Config describes the timeframes the aggregator builds.
type Config struct {
	Timeframes []string
	Durations  map[string]time.Duration
	BufferSecs int
	Symbol     string
	Location   *time.Location
	// Source tags scheduled closes: events.SourceLive, or events.SourceReplay
	// when ticks come from a recording. Empty means live.
	Source string
}

// Sinks are the collaborators that receive every closed candle. Nil sinks are skipped.
type Sinks struct {
	AppendCandle func(symbol, timeframe string, c models.Candle) error
	UpdateEMA    func(ctx context.Context, c models.Candle, timeframe string) error
	RefreshChart func(ctx context.Context, timeframe, chartType string) error
	OnError      func(ctx context.Context, err error, module, function string)
}

// SessionBounds supplies the trading session for a YYYY-MM-DD date.
type SessionBounds interface {
	GetSessionBounds(ctx context.Context, date string) (open, close time.Time, ok bool, err error)
}

// Publisher receives candle-close events.
type Publisher interface {
	PublishCandleClose(evt events.CandleCloseEvent)
}

// Aggregator consumes raw tick messages and emits closed candles.
type Aggregator struct {
	cfg    Config
	bounds SessionBounds
	sinks  Sinks
	bus    Publisher
	price  *PriceState
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewAggregator wires an aggregator. bus and price may be nil.
func NewAggregator(cfg Config, bounds SessionBounds, sinks Sinks, bus Publisher, price *PriceState, logger logrus.FieldLogger) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Source == "" {
		cfg.Source = events.SourceLive
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if price == nil {
		price = &PriceState{}
	}
	return &Aggregator{
		cfg:    cfg,
		bounds: bounds,
		sinks:  sinks,
		bus:    bus,
		price:  price,
		logger: logger.WithField("component", module),
		now:    time.Now,
	}
}

// WithClock replaces the wall clock, for tests and replays.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	if now != nil {
		a.now = now
	}
	return a
}

// Price exposes the shared latest-price state.
func (a *Aggregator) Price() *PriceState { return a.price }

type session struct {
	day      string
	open     time.Time
	close    time.Time
	exact    Schedule
	buffered Schedule
	state    *dayState
}

func (a *Aggregator) loadSession(ctx context.Context, now time.Time) (*session, error) {
	day := now.In(a.cfg.Location).Format("2006-01-02")
	open, closeAt, ok, err := a.bounds.GetSessionBounds(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("session bounds for %s: %w", day, err)
	}
	if !ok || open.IsZero() || closeAt.IsZero() {
		return nil, nil
	}
	open, closeAt = open.In(a.cfg.Location), closeAt.In(a.cfg.Location)
	exact, buffered := BuildSchedule(open, closeAt, a.cfg.Timeframes, a.cfg.Durations, a.cfg.BufferSecs)
	return &session{
		day:      day,
		open:     open,
		close:    closeAt,
		exact:    exact,
		buffered: buffered,
		state:    newDayState(a.cfg.Timeframes),
	}, nil
}

// Run processes ticks until the session closes, the tick channel is closed,
// or ctx is cancelled. A closed channel or the session close triggers the
// end-of-day flush; cancellation returns ctx.Err() without flushing.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan []byte) error {
	sess, err := a.loadSession(ctx, a.now())
	if err != nil {
		a.reportError(ctx, err, "Run")
		return err
	}
	if sess == nil {
		a.logger.Info("no trading session today")
		return nil
	}
	a.logger.WithFields(logrus.Fields{"open": sess.open.Format(clockLayout), "close": sess.close.Format(clockLayout)}).
		Info("candle schedule built")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := a.now().In(a.cfg.Location)

		if now.Format("2006-01-02") != sess.day {
			next, err := a.loadSession(ctx, now)
			if err != nil {
				a.reportError(ctx, err, "Run")
				return err
			}
			if next == nil {
				a.logger.WithField("day", now.Format("2006-01-02")).Info("no session for new day, stopping")
				return nil
			}
			sess = next
			a.logger.WithField("day", sess.day).Info("day changed, schedules rebuilt")
		}

		if !now.Before(sess.close) {
			a.flushEOD(ctx, sess, now)
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sess.close.Sub(now))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// re-evaluated at the top of the loop
		case msg, ok := <-ticks:
			if !ok {
				a.flushEOD(ctx, sess, a.now().In(a.cfg.Location))
				return nil
			}
			a.handleMessage(ctx, sess, msg)
		}
	}
}

type tickMessage struct {
	Type  string    `json:"type"`
	Price flexFloat `json:"price"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("price %q: %w", s, err)
		}
		f.Value, f.Set = v, true
		return nil
	}
	if err := json.Unmarshal(b, &f.Value); err != nil {
		return err
	}
	f.Set = true
	return nil
}

var errBadPrice = errors.New("trade message without a positive price")

func (a *Aggregator) handleMessage(ctx context.Context, sess *session, msg []byte) {
	var tick tickMessage
	if err := json.Unmarshal(msg, &tick); err != nil {
		metrics.TickErrors.Inc()
		a.reportError(ctx, fmt.Errorf("decode tick: %w", err), "handleMessage")
		return
	}
	if tick.Type != "trade" {
		return
	}
	price := tick.Price.Value
	if !tick.Price.Set || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		metrics.TickErrors.Inc()
		a.reportError(ctx, errBadPrice, "handleMessage")
		return
	}

	a.price.Set(price)
	now := a.now().In(a.cfg.Location)
	instant := now.Format(clockLayout)

	for _, tf := range a.cfg.Timeframes {
		c := sess.state.candles[tf]
		c.Update(price, now)

		if !sess.exact.Has(tf, instant) && !sess.buffered.Has(tf, instant) {
			continue
		}
		scheduled := consume(sess.exact, sess.buffered, tf, instant, a.cfg.BufferSecs)
		closed := *c
		closed.Timestamp = a.barStart(sess, tf, scheduled, now)
		sess.state.candles[tf] = &models.Candle{}
		sess.state.counts[tf]++
		a.emit(ctx, tf, closed, now, a.cfg.Source)
	}
}

// barStart is the scheduled close instant minus the timeframe duration.
func (a *Aggregator) barStart(sess *session, tf, scheduled string, now time.Time) time.Time {
	t, err := time.Parse(clockLayout, scheduled)
	if err != nil {
		return now
	}
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, a.cfg.Location)
	start := closeAt.Add(-a.cfg.Durations[tf])
	if start.Before(sess.open) {
		return sess.open
	}
	return start
}

// gridStart floors t onto the timeframe grid anchored at the session open.
func (a *Aggregator) gridStart(sess *session, tf string, t time.Time) time.Time {
	d := a.cfg.Durations[tf]
	if d <= 0 || t.Before(sess.open) {
		return t
	}
	return sess.open.Add(t.Sub(sess.open) / d * d)
}

func (a *Aggregator) emit(ctx context.Context, tf string, c models.Candle, closedAt time.Time, source string) {
	a.safeSink(ctx, "AppendCandle", func() error {
		if a.sinks.AppendCandle == nil {
			return nil
		}
		return a.sinks.AppendCandle(a.cfg.Symbol, tf, c)
	})

	if source != events.SourceEOD {
		a.safeSink(ctx, "UpdateEMA", func() error {
			if a.sinks.UpdateEMA == nil {
				return nil
			}
			return a.sinks.UpdateEMA(ctx, c, tf)
		})
		if a.sinks.RefreshChart != nil {
			go a.safeSink(ctx, "RefreshChart", func() error {
				return a.sinks.RefreshChart(ctx, tf, "live")
			})
		}
	}

	if a.bus != nil {
		a.safeSink(ctx, "PublishCandleClose", func() error {
			a.bus.PublishCandleClose(events.CandleCloseEvent{
				Symbol:    a.cfg.Symbol,
				Timeframe: tf,
				Candle:    c,
				ClosedAt:  closedAt,
				Source:    source,
			})
			return nil
		})
	}

	metrics.CandlesClosed.WithLabelValues(tf, source).Inc()
	a.logger.WithFields(logrus.Fields{
		"timeframe": tf, "source": source, "open": c.Open, "high": c.High, "low": c.Low, "close": c.Close,
	}).Debug("candle closed")
}

func (a *Aggregator) flushEOD(ctx context.Context, sess *session, now time.Time) {
	for _, tf := range a.cfg.Timeframes {
		c := sess.state.candles[tf]
		if c.IsEmpty() {
			continue
		}
		closed := *c
		closed.Timestamp = a.gridStart(sess, tf, c.Timestamp)
		a.emit(ctx, tf, closed, now, events.SourceEOD)
	}
	sess.state = newDayState(a.cfg.Timeframes)
	a.price.Clear()
	a.logger.Info("session closed, in-flight candles flushed")
}

// safeSink runs one sink so that a failure or panic never stops the others.
func (a *Aggregator) safeSink(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.WithLabelValues(module).Inc()
			a.reportError(ctx, fmt.Errorf("%s panic: %v", name, r), name)
		}
	}()
	if err := fn(); err != nil {
		a.reportError(ctx, err, name)
	}
}

func (a *Aggregator) reportError(ctx context.Context, err error, function string) {
	a.logger.WithError(err).WithField("function", function).Warn("pipeline error")
	if a.sinks.OnError != nil {
		a.sinks.OnError(ctx, err, module, function)
	}
}

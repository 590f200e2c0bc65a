// Package calendar resolves trading-session bounds for a calendar date.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/sirupsen/logrus"
)

// DateLayout is the YYYY-MM-DD date format used for session lookups.
const DateLayout = "2006-01-02"

// SessionBounds reports the open and close instants of a trading day. ok is
// false on non-trading days.
type SessionBounds interface {
	GetSessionBounds(ctx context.Context, date string) (open, close time.Time, ok bool, err error)
}

var (
	_ SessionBounds = (*StaticCalendar)(nil)
	_ SessionBounds = (*BrokerCalendar)(nil)
)

// StaticCalendar opens every weekday at fixed wall-clock times.
type StaticCalendar struct {
	loc      *time.Location
	open     clock
	close    clock
	holidays map[string]struct{}
}

type clock struct{ h, m int }

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clock{}, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	return clock{t.Hour(), t.Minute()}, nil
}

func (c clock) on(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.h, c.m, 0, 0, loc)
}

// NewStaticCalendar builds a weekday calendar. Holidays are YYYY-MM-DD dates.
func NewStaticCalendar(loc *time.Location, open, close string, holidays ...string) (*StaticCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, err
	}
	h := make(map[string]struct{}, len(holidays))
	for _, d := range holidays {
		h[d] = struct{}{}
	}
	return &StaticCalendar{loc: loc, open: o, close: c, holidays: h}, nil
}

func (s *StaticCalendar) GetSessionBounds(_ context.Context, date string) (time.Time, time.Time, bool, error) {
	day, err := time.ParseInLocation(DateLayout, date, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse date: %w", err)
	}
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}, time.Time{}, false, nil
	}
	if _, closed := s.holidays[date]; closed {
		return time.Time{}, time.Time{}, false, nil
	}
	return s.open.on(day, s.loc), s.close.on(day, s.loc), true, nil
}

// BrokerCalendar reads session hours from the Tradier market calendar,
// caching one month per request.
type BrokerCalendar struct {
	broker broker.Broker
	loc    *time.Location
	logger logrus.FieldLogger

	mu     sync.Mutex
	months map[string]map[string]broker.MarketDay
}

// NewBrokerCalendar creates a calendar backed by the broker's /markets/calendar endpoint.
func NewBrokerCalendar(b broker.Broker, loc *time.Location, logger logrus.FieldLogger) *BrokerCalendar {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BrokerCalendar{
		broker: b,
		loc:    loc,
		logger: logger.WithField("component", "calendar"),
		months: make(map[string]map[string]broker.MarketDay),
	}
}

func (b *BrokerCalendar) GetSessionBounds(ctx context.Context, date string) (time.Time, time.Time, bool, error) {
	day, err := time.ParseInLocation(DateLayout, date, b.loc)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse date: %w", err)
	}
	days, err := b.month(ctx, day.Year(), int(day.Month()))
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	md, found := days[date]
	if !found || !strings.EqualFold(md.Status, "open") || md.Open == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	o, err := parseClock(md.Open.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	c, err := parseClock(md.Open.End)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	return o.on(day, b.loc), c.on(day, b.loc), true, nil
}

func (b *BrokerCalendar) month(ctx context.Context, year, month int) (map[string]broker.MarketDay, error) {
	key := fmt.Sprintf("%04d-%02d", year, month)
	b.mu.Lock()
	cached, ok := b.months[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := b.broker.GetMarketCalendarCtx(ctx, month, year)
	if err != nil {
		return nil, fmt.Errorf("fetch market calendar %s: %w", key, err)
	}
	days := make(map[string]broker.MarketDay, len(resp.Calendar.Days.Day))
	for _, d := range resp.Calendar.Days.Day {
		days[d.Date] = d
	}
	b.logger.WithFields(logrus.Fields{"month": key, "days": len(days)}).Debug("market calendar loaded")

	b.mu.Lock()
	b.months[key] = days
	b.mu.Unlock()
	return days, nil
}

// Package ledger records option position lifecycle events.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/sirupsen/logrus"
)

// Lifecycle event kinds.
const (
	EventOpen  = "open"
	EventAdd   = "add"
	EventTrim  = "trim"
	EventClose = "close"
)

// Event is one ledger line.
type Event struct {
	TS             time.Time             `json:"ts"`
	Event          string                `json:"event"`
	PositionID     string                `json:"position_id"`
	OrderID        string                `json:"order_id,omitempty"`
	OrderStatus    string                `json:"order_status,omitempty"`
	Symbol         string                `json:"symbol"`
	OptionType     string                `json:"option_type"`
	Strike         float64               `json:"strike"`
	Expiration     string                `json:"expiration"`
	ContractKey    string                `json:"contract_key"`
	StrategyTag    string                `json:"strategy_tag,omitempty"`
	Quantity       *int                  `json:"quantity"`
	FillPrice      *float64              `json:"fill_price"`
	TotalValue     *float64              `json:"total_value"`
	AvgEntry       *float64              `json:"avg_entry"`
	QuantityOpen   int                   `json:"quantity_open"`
	PositionStatus models.PositionStatus `json:"position_status"`
	RealizedPnL    float64               `json:"realized_pnl"`
	Reason         string                `json:"reason,omitempty"`
}

// NewEvent snapshots a position after a fill. TotalValue is
// quantity*fill*100 when both are known.
func NewEvent(kind string, p *models.Position, orderID, orderStatus string, quantity *int, fill *float64, reason string, at time.Time) Event {
	c := p.Contract
	ev := Event{
		TS:             at.UTC(),
		Event:          kind,
		PositionID:     p.ID,
		OrderID:        orderID,
		OrderStatus:    orderStatus,
		Symbol:         c.Symbol,
		OptionType:     string(c.OptionType),
		Strike:         c.Strike,
		Expiration:     c.Expiration,
		ContractKey:    c.Key(),
		StrategyTag:    p.StrategyTag,
		Quantity:       quantity,
		FillPrice:      fill,
		QuantityOpen:   p.QuantityOpen,
		PositionStatus: p.Status,
		RealizedPnL:    p.RealizedPnL,
		Reason:         reason,
	}
	if p.AvgEntry != nil {
		v := *p.AvgEntry
		ev.AvgEntry = &v
	}
	if quantity != nil && fill != nil {
		v := float64(*quantity) * *fill * models.ContractMultiplier
		ev.TotalValue = &v
	}
	return ev
}

// Recorder persists ledger events.
type Recorder interface {
	Record(ev Event) error
}

// FileLedger appends events to a JSON-lines file.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

// NewFileLedger returns a ledger writing to path. Parent directories are
// created on first write.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// Path returns the ledger file location.
func (l *FileLedger) Path() string { return l.path }

// Record implements Recorder.
func (l *FileLedger) Record(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := storage.AppendJSONLine(l.path, ev); err != nil {
		return fmt.Errorf("record %s event for %s: %w", ev.Event, ev.PositionID, err)
	}
	return nil
}

// Events reads every decodable event back in file order.
func (l *FileLedger) Events() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	err := storage.ReadJSONLines(l.path, func(line []byte) error {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}, nil)
	return out, err
}

// SumRealizedPnLForDay totals realized_pnl over close events whose timestamp
// falls on day (YYYY-MM-DD) in loc. Malformed lines are skipped and a
// missing file sums to zero.
func (l *FileLedger) SumRealizedPnLForDay(day string, loc *time.Location) (float64, error) {
	if loc == nil {
		loc = time.UTC
	}
	events, err := l.Events()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, ev := range events {
		if ev.Event != EventClose || ev.TS.IsZero() {
			continue
		}
		if ev.TS.In(loc).Format(time.DateOnly) != day {
			continue
		}
		total += ev.RealizedPnL
	}
	return total, nil
}

// Multi fans an event out to several recorders. Every recorder is tried and
// the failures are joined.
type Multi struct {
	recorders []Recorder
	logger    logrus.FieldLogger
}

// NewMulti builds a fan-out recorder, skipping nil entries.
func NewMulti(logger logrus.FieldLogger, recorders ...Recorder) *Multi {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Multi{logger: logger.WithField("component", "ledger")}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

// Record implements Recorder.
func (m *Multi) Record(ev Event) error {
	var errs []error
	for _, r := range m.recorders {
		if err := r.Record(ev); err != nil {
			m.logger.WithError(err).WithField("position_id", ev.PositionID).Warn("ledger write failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

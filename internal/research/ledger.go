package research

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
)

// Event names written to the ledgers.
const (
	EventSignal      = "signal"
	EventCandleClose = "candle_close"
	EventTouch       = "touch"
)

// SignalEvent is one line of the signals ledger.
type SignalEvent struct {
	TS              string            `json:"ts"`
	Event           string            `json:"event"`
	SignalID        string            `json:"signal_id"`
	StrategyTag     string            `json:"strategy_tag"`
	Timeframe       string            `json:"timeframe"`
	Symbol          string            `json:"symbol"`
	OptionType      models.OptionType `json:"option_type"`
	Strike          float64           `json:"strike"`
	Expiration      string            `json:"expiration"`
	ContractKey     string            `json:"contract_key"`
	UnderlyingPrice float64           `json:"underlying_price"`
	EntryMark       float64           `json:"entry_mark"`
	Bid             *float64          `json:"bid"`
	Ask             *float64          `json:"ask"`
	Last            *float64          `json:"last"`
	Reason          *string           `json:"reason"`
	Variant         *string           `json:"variant"`
}

// PathEvent is one line of the paths ledger: a mark taken on a later candle
// close or when the underlying touches an EMA.
type PathEvent struct {
	TS              string            `json:"ts"`
	Event           string            `json:"event"`
	EventKey        string            `json:"event_key"`
	SignalID        string            `json:"signal_id"`
	StrategyTag     string            `json:"strategy_tag"`
	Timeframe       string            `json:"timeframe"`
	Symbol          string            `json:"symbol"`
	OptionType      models.OptionType `json:"option_type"`
	Strike          float64           `json:"strike"`
	Expiration      string            `json:"expiration"`
	ContractKey     string            `json:"contract_key"`
	UnderlyingPrice float64           `json:"underlying_price"`
	Mark            float64           `json:"mark"`
	Bid             *float64          `json:"bid"`
	Ask             *float64          `json:"ask"`
	Last            *float64          `json:"last"`
	Reason          *string           `json:"reason"`
	Variant         *string           `json:"variant"`
}

// Ledger appends research events to two JSONL files.
type Ledger struct {
	SignalsPath string
	PathsPath   string
}

// RecordSignal appends a signal event.
func (l Ledger) RecordSignal(evt SignalEvent) error {
	if err := storage.AppendJSONLine(l.SignalsPath, evt); err != nil {
		return fmt.Errorf("research signal %s: %w", evt.SignalID, err)
	}
	metrics.ResearchEvents.WithLabelValues(evt.Event).Inc()
	return nil
}

// RecordPath appends a path event.
func (l Ledger) RecordPath(evt PathEvent) error {
	if err := storage.AppendJSONLine(l.PathsPath, evt); err != nil {
		return fmt.Errorf("research path %s %s: %w", evt.SignalID, evt.EventKey, err)
	}
	metrics.ResearchEvents.WithLabelValues(evt.Event).Inc()
	return nil
}

// EntryMark prefers ask, then mid, then last, then bid.
func EntryMark(q models.OptionQuote) (float64, bool) {
	if q.Ask != nil {
		return *q.Ask, true
	}
	if mid, ok := q.Mid(); ok {
		return mid, true
	}
	if q.Last != nil {
		return *q.Last, true
	}
	if q.Bid != nil {
		return *q.Bid, true
	}
	return 0, false
}

// SignalID is "sig-{name}-{tf}-{ts}-{contract}" with "-{variant}" appended
// when present.
func SignalID(name, timeframe, ts, contractKey, variant string) string {
	id := fmt.Sprintf("sig-%s-%s-%s-%s", name, timeframe, ts, contractKey)
	if variant != "" {
		id += "-" + variant
	}
	return id
}

func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package runner

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/orders"
	"github.com/sirupsen/logrus"
)

// LifecycleEvent describes one position change made by the runner.
type LifecycleEvent struct {
	Strategy  string
	Direction models.OptionType
	Reason    string
	Quantity  int
	Result    *orders.ActionResult
}

// Hooks receive position lifecycle notifications. Errors and panics are
// logged and counted, never propagated.
type Hooks interface {
	OnPositionOpened(evt LifecycleEvent) error
	OnPositionAdded(evt LifecycleEvent) error
	OnPositionTrimmed(evt LifecycleEvent) error
	OnPositionClosed(evt LifecycleEvent) error
}

type hookKind int

const (
	hookOpened hookKind = iota
	hookAdded
	hookTrimmed
	hookClosed
)

func (k hookKind) String() string {
	switch k {
	case hookOpened:
		return "opened"
	case hookAdded:
		return "added"
	case hookTrimmed:
		return "trimmed"
	default:
		return "closed"
	}
}

func (r *Runner) fire(kind hookKind, evt LifecycleEvent) {
	for _, h := range r.hooks {
		r.callHook(h, kind, evt)
	}
}

func (r *Runner) callHook(h Hooks, kind hookKind, evt LifecycleEvent) {
	log := r.logger.WithFields(logrus.Fields{"hook": kind.String(), "strategy": evt.Strategy})
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ListenerErrors.WithLabelValues("runner").Inc()
			log.WithField("panic", fmt.Sprint(rec)).Error("lifecycle hook panicked")
		}
	}()
	var err error
	switch kind {
	case hookOpened:
		err = h.OnPositionOpened(evt)
	case hookAdded:
		err = h.OnPositionAdded(evt)
	case hookTrimmed:
		err = h.OnPositionTrimmed(evt)
	case hookClosed:
		err = h.OnPositionClosed(evt)
	}
	if err != nil {
		metrics.ListenerErrors.WithLabelValues("runner").Inc()
		log.WithError(err).Warn("lifecycle hook failed")
	}
}

// LogNotifier writes one human-readable line per lifecycle event.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier returns a notifier writing to logger.
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "notifier")}
}

// OnPositionOpened logs an entry submission.
func (n *LogNotifier) OnPositionOpened(evt LifecycleEvent) error {
	n.logger.Info(Describe("Opened", evt))
	return nil
}

// OnPositionAdded logs a scale-in.
func (n *LogNotifier) OnPositionAdded(evt LifecycleEvent) error {
	n.logger.Info(Describe("Added to", evt))
	return nil
}

// OnPositionTrimmed logs a partial exit.
func (n *LogNotifier) OnPositionTrimmed(evt LifecycleEvent) error {
	n.logger.Info(Describe("Trimmed", evt))
	return nil
}

// OnPositionClosed logs a full exit, including flips.
func (n *LogNotifier) OnPositionClosed(evt LifecycleEvent) error {
	n.logger.Info(Describe("Closed", evt))
	return nil
}

// Describe renders a lifecycle event, e.g.
// "[ema-crossover] Opened SPY-call-520-20260106 x2 @ $1.25 (EMA crossover 13>48)".
func Describe(verb string, evt LifecycleEvent) string {
	msg := fmt.Sprintf("[%s] %s", evt.Strategy, verb)
	if evt.Result != nil && evt.Result.Position != nil {
		p := evt.Result.Position
		msg += " " + p.Contract.Key()
		if evt.Quantity > 0 {
			msg += fmt.Sprintf(" x%d", evt.Quantity)
		}
		if fill := evt.Result.Order.FillPrice; fill != nil {
			msg += " @ " + Money(*fill)
		}
		if p.RealizedPnL != 0 {
			msg += " realized " + Money(p.RealizedPnL)
		}
	}
	if evt.Reason != "" {
		msg += " (" + evt.Reason + ")"
	}
	return msg
}

// Money formats dollars with thousands separators and two decimals.
func Money(v float64) string {
	if v < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -v)
	}
	return "$" + humanize.FormatFloat("#,###.##", v)
}

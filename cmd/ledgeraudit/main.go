// Command ledgeraudit cross-checks the saved position book against the trade
// ledger and summarizes realized P&L per strategy and per day.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ledger"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/runner"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/sirupsen/logrus"
)

// StrategySummary aggregates closed positions for one strategy tag.
type StrategySummary struct {
	Strategy string  `json:"strategy"`
	Closed   int     `json:"closed"`
	Winners  int     `json:"winners"`
	Losers   int     `json:"losers"`
	Realized float64 `json:"realized"`
}

// Report is the audit result.
type Report struct {
	Positions  int                `json:"positions"`
	Events     int                `json:"events"`
	Strategies []StrategySummary  `json:"strategies"`
	Days       map[string]float64 `json:"days"`
	Issues     []string           `json:"issues"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	positions, err := storage.NewJSONPositionStore(cfg.Storage.PositionsPath).LoadPositions()
	if err != nil {
		logrus.Fatalf("Failed to load positions: %v", err)
	}
	events, err := ledger.NewFileLedger(cfg.Storage.LedgerPath).Events()
	if err != nil {
		logrus.Fatalf("Failed to read ledger: %v", err)
	}

	report := audit(positions, events, cfg.Location())
	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logrus.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(out))
	} else {
		printReport(os.Stdout, report)
	}
	if len(report.Issues) > 0 {
		os.Exit(1)
	}
}

func audit(positions []*models.Position, events []ledger.Event, loc *time.Location) Report {
	if loc == nil {
		loc = time.UTC
	}
	r := Report{Positions: len(positions), Events: len(events), Days: map[string]float64{}, Issues: []string{}}

	last := map[string]ledger.Event{}
	for _, ev := range events {
		last[ev.PositionID] = ev
		if ev.Event == ledger.EventClose && !ev.TS.IsZero() {
			r.Days[ev.TS.In(loc).Format(time.DateOnly)] += ev.RealizedPnL
		}
	}

	known := map[string]bool{}
	byStrategy := map[string]*StrategySummary{}
	for _, p := range positions {
		known[p.ID] = true
		ev, ok := last[p.ID]
		if !ok {
			// a filled position always has an open event
			if p.AvgEntry != nil {
				r.Issues = append(r.Issues, fmt.Sprintf("position %s is %s but has no ledger events", p.ID, p.Status))
			}
			continue
		}
		if ev.QuantityOpen != p.QuantityOpen {
			r.Issues = append(r.Issues, fmt.Sprintf("position %s: book has %d open, ledger has %d", p.ID, p.QuantityOpen, ev.QuantityOpen))
		}
		if math.Abs(ev.RealizedPnL-p.RealizedPnL) > 0.005 {
			r.Issues = append(r.Issues, fmt.Sprintf("position %s: book realized %.2f, ledger %.2f", p.ID, p.RealizedPnL, ev.RealizedPnL))
		}
		if ev.PositionStatus != p.Status {
			r.Issues = append(r.Issues, fmt.Sprintf("position %s: book status %s, ledger %s", p.ID, p.Status, ev.PositionStatus))
		}

		if p.Status != models.StatusClosed {
			continue
		}
		tag := p.StrategyTag
		if tag == "" {
			tag = "manual"
		}
		s, ok := byStrategy[tag]
		if !ok {
			s = &StrategySummary{Strategy: tag}
			byStrategy[tag] = s
		}
		s.Closed++
		s.Realized += p.RealizedPnL
		switch {
		case p.RealizedPnL > 0:
			s.Winners++
		case p.RealizedPnL < 0:
			s.Losers++
		}
	}

	var orphans []string
	for id := range last {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		r.Issues = append(r.Issues, fmt.Sprintf("ledger position %s is missing from the book", id))
	}

	for _, s := range byStrategy {
		r.Strategies = append(r.Strategies, *s)
	}
	sort.Slice(r.Strategies, func(i, j int) bool { return r.Strategies[i].Strategy < r.Strategies[j].Strategy })
	return r
}

func printReport(w io.Writer, r Report) {
	fmt.Fprintf(w, "=== LEDGER AUDIT ===\n")
	fmt.Fprintf(w, "Positions: %d  Ledger events: %d\n\n", r.Positions, r.Events)

	fmt.Fprintf(w, "By strategy:\n")
	for _, s := range r.Strategies {
		fmt.Fprintf(w, "  %-24s closed=%d win=%d loss=%d realized=%s\n", s.Strategy, s.Closed, s.Winners, s.Losers, runner.Money(s.Realized))
	}

	days := make([]string, 0, len(r.Days))
	for d := range r.Days {
		days = append(days, d)
	}
	sort.Strings(days)
	fmt.Fprintf(w, "\nBy day:\n")
	for _, d := range days {
		fmt.Fprintf(w, "  %s  %s\n", d, runner.Money(r.Days[d]))
	}

	fmt.Fprintf(w, "\n")
	if len(r.Issues) == 0 {
		fmt.Fprintf(w, "No discrepancies found.\n")
		return
	}
	fmt.Fprintf(w, "DISCREPANCIES:\n")
	for i, issue := range r.Issues {
		fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
	}
}

// Command quotehub polls an option chain into the quote cache and logs
// periodic summaries. It is useful for checking broker connectivity and for
// recording chains that the replay provider can play back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/quotes"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath   string
		symbol       string
		expiration   string
		provider     string
		pollInterval time.Duration
		logEvery     time.Duration
		sampleSize   int
		runFor       time.Duration
		recordPath   string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&symbol, "symbol", "", "Underlying symbol (defaults to pipeline.symbol)")
	flag.StringVar(&expiration, "expiration", "", "Expiration: 0dte, Ndte, YYYY-MM-DD or YYYYMMDD (defaults to options.expiration)")
	flag.StringVar(&provider, "provider", "", "Quote provider: tradier, synthetic or replay (defaults to options.provider)")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "Poll interval (defaults to options.poll_interval)")
	flag.DurationVar(&logEvery, "log-every", 5*time.Second, "Summary interval")
	flag.IntVar(&sampleSize, "sample-size", 3, "Quotes to print per summary")
	flag.DurationVar(&runFor, "run-for", 0, "Stop after this long (0 runs until interrupted)")
	flag.StringVar(&recordPath, "record", "", "Append every fetched chain to this JSON-lines file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if symbol == "" {
		symbol = cfg.Pipeline.Symbol
	}
	if expiration == "" {
		expiration = cfg.Options.Expiration
	}
	if provider == "" {
		provider = cfg.Options.Provider
	}
	if pollInterval <= 0 {
		pollInterval = cfg.PollInterval()
	}
	if recordPath == "" {
		recordPath = cfg.Options.RecordPath
	}
	if logEvery < pollInterval {
		logger.Warn("log-every is shorter than poll-interval; some summaries will show no updates")
	}

	exp, err := config.ResolveExpiration(expiration, time.Now(), cfg.Location())
	if err != nil {
		logger.Fatalf("Invalid expiration: %v", err)
	}

	var chains quotes.ChainSource
	if cfg.Broker.APIKey != "" {
		api := broker.NewTradierAPIWithBaseURLAndClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.APIEndpoint, nil)
		chains = broker.NewCircuitBreakerBroker(api, logger)
	}
	syn := cfg.Options.Synthetic
	p, err := quotes.New(provider, chains, quotes.SyntheticConfig{
		Underlying:      syn.Underlying,
		StrikeStep:      syn.StrikeStep,
		StrikesEachSide: syn.StrikesEachSide,
		Seed:            syn.Seed,
	}, cfg.Options.FixturePath)
	if err != nil {
		logger.Fatalf("Failed to build provider: %v", err)
	}
	if recordPath != "" {
		p = quotes.NewRecordingProvider(p, recordPath, logger)
		logger.WithField("path", recordPath).Info("recording quotes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	svc := quotes.NewService(p, symbol, exp, pollInterval, logger)
	logger.Infof("Quote hub started for %s expiration=%s poll=%s", symbol, exp, pollInterval)
	runHub(ctx, svc, logEvery, sampleSize, logger)
	logger.Info("Quote hub stopped")
}

// runHub logs a summary every logEvery until ctx ends.
func runHub(ctx context.Context, svc *quotes.Service, logEvery time.Duration, sampleSize int, logger logrus.FieldLogger) {
	id, updates := svc.RegisterQueue(1, nil)
	defer svc.RemoveListener(id)
	svc.Start(ctx)
	defer svc.Stop()

	ticker := time.NewTicker(logEvery)
	defer ticker.Stop()

	count := 0
	var last []models.OptionQuote
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-updates:
			count += len(batch)
			last = batch
		case <-ticker.C:
			line := fmt.Sprintf("cached=%d updates=%d", len(svc.Snapshot()), count)
			if sample := formatSample(last, sampleSize); sample != "" {
				line += " sample=" + sample
			}
			logger.Info(line)
			count = 0
		}
	}
}

func formatSample(updates []models.OptionQuote, limit int) string {
	if len(updates) == 0 || limit <= 0 {
		return ""
	}
	if len(updates) > limit {
		updates = updates[:limit]
	}
	rows := make([]string, 0, len(updates))
	for _, q := range updates {
		rows = append(rows, fmt.Sprintf("%s bid=%s ask=%s last=%s", q.Contract.Key(), price(q.Bid), price(q.Ask), price(q.Last)))
	}
	return strings.Join(rows, " | ")
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}

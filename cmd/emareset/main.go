// Command emareset clears persisted EMA state so the next session rebuilds it
// from history. Run it before the open.
package main

import (
	"flag"
	"strings"

	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/sirupsen/logrus"
)

func main() {
	var configPath, timeframes string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&timeframes, "timeframes", "", "Comma-separated timeframes to reset (default: all configured)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	tfs := parseTimeframes(timeframes)
	if len(tfs) == 0 {
		tfs = cfg.Pipeline.Timeframes
	}
	if err := reset(cfg, tfs, logger); err != nil {
		logger.WithError(err).Fatal("EMA reset failed")
	}
}

func reset(cfg *config.Config, tfs []string, logger logrus.FieldLogger) error {
	store, err := ema.NewStore(ema.Config{
		Windows:    cfg.EMA.Windows,
		StatePath:  cfg.EMA.StatePath,
		SeriesDir:  cfg.EMA.SeriesDir,
		Bootstrap:  cfg.BootstrapWindow(),
		Location:   cfg.Location(),
		MarketOpen: cfg.Schedule.MarketOpen,
	}, nil, logger)
	if err != nil {
		return err
	}
	for _, tf := range tfs {
		if _, err := config.TimeframeDuration(tf); err != nil {
			return err
		}
	}
	return store.HardReset(tfs...)
}

func parseTimeframes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if tf := strings.ToUpper(strings.TrimSpace(part)); tf != "" {
			out = append(out, tf)
		}
	}
	return out
}

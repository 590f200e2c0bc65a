package main

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/quotes"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestFormatSample(t *testing.T) {
	qs := []models.OptionQuote{
		{Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall, Strike: 520, Expiration: "20260106"}, Bid: models.Float(1.1), Ask: models.Float(1.2)},
		{Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionPut, Strike: 515, Expiration: "20260106"}, Last: models.Float(0.5)},
	}
	assert.Equal(t, "SPY-call-520-20260106 bid=1.10 ask=1.20 last=-", formatSample(qs, 1))
	assert.Equal(t, "SPY-call-520-20260106 bid=1.10 ask=1.20 last=- | SPY-put-515-20260106 bid=- ask=- last=0.50", formatSample(qs, 5))
	assert.Empty(t, formatSample(qs, 0))
	assert.Empty(t, formatSample(nil, 3))
}

func TestRunHub_LogsSummaries(t *testing.T) {
	logger, hook := test.NewNullLogger()
	svc := quotes.NewService(quotes.NewSyntheticProvider(quotes.SyntheticConfig{Seed: 7}), "SPY", "20260106", 10*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	runHub(ctx, svc, 50*time.Millisecond, 2, logger)

	var summaries int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel && len(e.Message) > 7 && e.Message[:7] == "cached=" {
			summaries++
		}
	}
	assert.GreaterOrEqual(t, summaries, 1)
}

package storage

import "github.com/eddiefleurent/candlebot/internal/models"

// CandleSink receives closed candles from the aggregator.
type CandleSink interface {
	AppendCandle(symbol, timeframe string, c models.Candle) error
}

// CandleSource reads back stored candles by trading day.
type CandleSource interface {
	Candles(symbol, timeframe, day string) ([]models.Candle, error)
	Days(symbol, timeframe string) ([]string, error)
}

// PositionStore persists the options position book.
//
// Implementations must be safe for concurrent use.
type PositionStore interface {
	SavePositions(positions []*models.Position) error
	LoadPositions() ([]*models.Position, error)
}

var (
	_ CandleSink    = (*CandleStore)(nil)
	_ CandleSource  = (*CandleStore)(nil)
	_ PositionStore = (*JSONPositionStore)(nil)
	_ PositionStore = (*MockPositionStore)(nil)
)

package pipeline

import (
	"sync"

	"github.com/eddiefleurent/candlebot/internal/models"
)

// PriceState shares the latest traded underlying price with other components.
type PriceState struct {
	mu    sync.RWMutex
	price float64
	set   bool
}

// Set records the latest trade price.
func (p *PriceState) Set(price float64) {
	p.mu.Lock()
	p.price, p.set = price, true
	p.mu.Unlock()
}

// Clear forgets the latest price, used when the session ends.
func (p *PriceState) Clear() {
	p.mu.Lock()
	p.price, p.set = 0, false
	p.mu.Unlock()
}

// Get returns the latest price, or false when none is known.
func (p *PriceState) Get() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price, p.set
}

// dayState holds one in-flight candle per timeframe.
type dayState struct {
	candles map[string]*models.Candle
	counts  map[string]int
}

func newDayState(timeframes []string) *dayState {
	s := &dayState{
		candles: make(map[string]*models.Candle, len(timeframes)),
		counts:  make(map[string]int, len(timeframes)),
	}
	for _, tf := range timeframes {
		s.candles[tf] = &models.Candle{}
	}
	return s
}

package storage

import (
	"sync"

	"github.com/eddiefleurent/candlebot/internal/models"
)

// MockPositionStore implements PositionStore in memory for testing.
type MockPositionStore struct {
	mu            sync.Mutex
	saveError     error
	loadError     error
	positions     []*models.Position
	saveCallCount int
}

// NewMockPositionStore creates an empty mock store.
func NewMockPositionStore() *MockPositionStore {
	return &MockPositionStore{}
}

// SavePositions records a deep copy of positions.
func (m *MockPositionStore) SavePositions(positions []*models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	m.positions = make([]*models.Position, 0, len(positions))
	for _, p := range positions {
		m.positions = append(m.positions, p.Clone())
	}
	return nil
}

// LoadPositions returns the last saved snapshot.
func (m *MockPositionStore) LoadPositions() ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadError != nil {
		return nil, m.loadError
	}
	return m.positions, nil
}

// SetSaveError makes subsequent saves fail.
func (m *MockPositionStore) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

// SetLoadError makes subsequent loads fail.
func (m *MockPositionStore) SetLoadError(err error) {
	m.mu.Lock()
	m.loadError = err
	m.mu.Unlock()
}

// SaveCallCount returns how many times SavePositions was called.
func (m *MockPositionStore) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// MockCandleSink records appended candles for testing.
type MockCandleSink struct {
	mu      sync.Mutex
	Err     error
	Candles []RecordedCandle
}

// RecordedCandle is one AppendCandle call.
type RecordedCandle struct {
	Symbol    string
	Timeframe string
	Candle    models.Candle
}

// AppendCandle records the call and returns Err.
func (m *MockCandleSink) AppendCandle(symbol, timeframe string, c models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candles = append(m.Candles, RecordedCandle{symbol, timeframe, c})
	return m.Err
}

// Recorded returns a copy of the recorded calls.
func (m *MockCandleSink) Recorded() []RecordedCandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedCandle(nil), m.Candles...)
}

package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
)

// PositionData is the persisted snapshot of the options position book.
type PositionData struct {
	Positions   []*models.Position `json:"positions"`
	LastUpdated time.Time          `json:"last_updated"`
}

// JSONPositionStore persists the full position book with atomic replace.
type JSONPositionStore struct {
	mu       sync.Mutex
	filepath string
}

// NewJSONPositionStore creates a store backed by path.
func NewJSONPositionStore(path string) *JSONPositionStore {
	return &JSONPositionStore{filepath: path}
}

// SavePositions replaces the snapshot with positions.
func (s *JSONPositionStore) SavePositions(positions []*models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.filepath, PositionData{Positions: positions, LastUpdated: time.Now().UTC()})
}

// LoadPositions returns the last snapshot, or nil when none exists yet.
func (s *JSONPositionStore) LoadPositions() ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data PositionData
	if err := ReadJSON(s.filepath, &data); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	return data.Positions, nil
}

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
)

const dayLayout = "2006-01-02"

// CandleStore keeps closed candles as JSON lines, one file per symbol,
// timeframe and trading day: <dir>/<SYMBOL>/<TF>/<YYYY-MM-DD>.jsonl.
type CandleStore struct {
	mu  sync.Mutex
	dir string
	loc *time.Location
}

// NewCandleStore creates a candle store rooted at dir. Days are bucketed in loc.
func NewCandleStore(dir string, loc *time.Location) *CandleStore {
	if loc == nil {
		loc = time.UTC
	}
	return &CandleStore{dir: dir, loc: loc}
}

func (s *CandleStore) path(symbol, timeframe, day string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol), strings.ToUpper(timeframe), day+".jsonl")
}

// AppendCandle persists one closed candle.
func (s *CandleStore) AppendCandle(symbol, timeframe string, c models.Candle) error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("candle for %s %s has no timestamp", symbol, timeframe)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return AppendJSONLine(s.path(symbol, timeframe, c.Timestamp.In(s.loc).Format(dayLayout)), c)
}

// Candles returns the stored candles for one day in file order.
func (s *CandleStore) Candles(symbol, timeframe, day string) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Candle
	err := ReadJSONLines(s.path(symbol, timeframe, day), func(line []byte) error {
		var c models.Candle
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}, nil)
	return out, err
}

// Days lists the days with stored candles, oldest first.
func (s *CandleStore) Days(symbol, timeframe string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, strings.ToUpper(symbol), strings.ToUpper(timeframe)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list candle days: %w", err)
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day := strings.TrimSuffix(name, ".jsonl")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

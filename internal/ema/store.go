package ema

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/sirupsen/logrus"
)

// IndexKey is the row field holding the candle index.
const IndexKey = "x"

// DefaultResetTimeframes are reset when no timeframe has been seen yet.
var DefaultResetTimeframes = []string{"2M", "5M", "15M"}

// Snapshot is one EMA series row: a value per window plus the candle index.
type Snapshot map[string]float64

// Index returns the candle index of the row.
func (s Snapshot) Index() int { return int(s[IndexKey]) }

// Value returns the EMA for window, if present.
func (s Snapshot) Value(window int) (float64, bool) {
	v, ok := s[strconv.Itoa(window)]
	return v, ok
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// State is the persisted per-timeframe lifecycle. CandleList buffers the
// day's candles until the series is finalized.
type State struct {
	CandleList    []models.Candle `json:"candle_list"`
	HasCalculated bool            `json:"has_calculated"`
}

// SessionBounds supplies the trading session for a YYYY-MM-DD date.
type SessionBounds interface {
	GetSessionBounds(ctx context.Context, date string) (open, close time.Time, ok bool, err error)
}

// Config controls the store.
type Config struct {
	Windows    []int
	StatePath  string
	SeriesDir  string
	Bootstrap  time.Duration
	Location   *time.Location
	MarketOpen string // HH:MM, used when Bounds is nil or has no session
	Bounds     SessionBounds
}

type series struct {
	rows   []Snapshot
	last   map[int]float64
	loaded bool
}

// Store maintains per-timeframe EMA state. Update calls are serialized.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	history HistoryMerger
	logger  logrus.FieldLogger
	now     func() time.Time

	state  map[string]*State
	series map[string]*series
}

// NewStore loads persisted state from cfg.StatePath. A missing file starts empty.
func NewStore(cfg Config, history HistoryMerger, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Bootstrap <= 0 {
		cfg.Bootstrap = 15 * time.Minute
	}
	if cfg.MarketOpen == "" {
		cfg.MarketOpen = "09:30"
	}
	if len(cfg.Windows) == 0 {
		return nil, errors.New("ema: at least one window is required")
	}
	for _, w := range cfg.Windows {
		if w <= 0 {
			return nil, fmt.Errorf("ema: invalid window %d", w)
		}
	}
	if _, err := time.Parse("15:04", cfg.MarketOpen); err != nil {
		return nil, fmt.Errorf("ema: market open %q: %w", cfg.MarketOpen, err)
	}

	s := &Store{
		cfg:     cfg,
		history: history,
		logger:  logger.WithField("component", "ema"),
		now:     time.Now,
		state:   map[string]*State{},
		series:  map[string]*series{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock replaces the wall clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) load() error {
	if s.cfg.StatePath == "" {
		return nil
	}
	raw := map[string]*State{}
	err := storage.ReadJSON(s.cfg.StatePath, &raw)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ema state: %w", err)
	}
	for tf, st := range raw {
		if st == nil {
			st = &State{}
		}
		if st.CandleList == nil {
			st.CandleList = []models.Candle{}
		}
		s.state[tf] = st
	}
	return nil
}

func (s *Store) persist() error {
	if s.cfg.StatePath == "" {
		return nil
	}
	if err := storage.WriteJSONAtomic(s.cfg.StatePath, s.state); err != nil {
		return fmt.Errorf("persist ema state: %w", err)
	}
	return nil
}

func (s *Store) ensure(tf string) (*State, error) {
	if st, ok := s.state[tf]; ok {
		return st, nil
	}
	st := &State{CandleList: []models.Candle{}}
	s.state[tf] = st
	return st, s.persist()
}

// sessionOpen returns today's open from the calendar, falling back to the
// configured market open.
func (s *Store) sessionOpen(ctx context.Context, now time.Time) time.Time {
	if s.cfg.Bounds != nil {
		open, _, ok, err := s.cfg.Bounds.GetSessionBounds(ctx, now.Format("2006-01-02"))
		if err != nil {
			s.logger.WithError(err).Warn("session bounds unavailable, using configured market open")
		} else if ok && !open.IsZero() {
			return open.In(s.cfg.Location)
		}
	}
	hm, _ := time.Parse("15:04", s.cfg.MarketOpen)
	return time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, s.cfg.Location)
}

// Update folds one closed candle into the timeframe's EMA lifecycle.
func (s *Store) Update(ctx context.Context, c models.Candle, tf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.ensure(tf)
	if err != nil {
		return err
	}

	now := s.now().In(s.cfg.Location)
	open := s.sessionOpen(ctx, now)
	cutoff := open.Add(s.cfg.Bootstrap)
	log := s.logger.WithField("timeframe", tf)

	if now.Before(cutoff) {
		if st.HasCalculated || bufferedBefore(st.CandleList, open) {
			log.Info("stale state from a previous session, resetting")
			st.HasCalculated = false
			st.CandleList = []models.Candle{}
		}
		if n := len(st.CandleList); n == 0 || st.CandleList[n-1].TimestampKey() != c.TimestampKey() {
			st.CandleList = append(st.CandleList, c)
		}
		if err := s.persist(); err != nil {
			return err
		}
		rows := s.replay(nil, sortedCandles(st.CandleList))
		if err := s.writeSeries(tf, rows); err != nil {
			return err
		}
		log.WithField("candles", len(st.CandleList)).Debug("temporary EMA rebuilt")
		return nil
	}

	if !st.HasCalculated {
		if err := s.finalize(ctx, tf, st, open); err != nil {
			if n := len(st.CandleList); n == 0 || st.CandleList[n-1].TimestampKey() != c.TimestampKey() {
				st.CandleList = append(st.CandleList, c)
			}
			if perr := s.persist(); perr != nil {
				log.WithError(perr).Error("persist after failed finalize")
			}
			return fmt.Errorf("finalize %s: %w", tf, err)
		}
		log.Info("EMA series finalized")
	}

	return s.appendRow(tf, c)
}

// finalize seeds the series from history, replays the buffer and flips the flag.
func (s *Store) finalize(ctx context.Context, tf string, st *State, open time.Time) error {
	var seed map[int]float64
	if s.history != nil {
		hist, err := s.history.MergeHistory(ctx, tf, open)
		if err != nil {
			return fmt.Errorf("merge history: %w", err)
		}
		if len(hist) > 0 {
			seed = make(map[int]float64, len(s.cfg.Windows))
			closes := make([]float64, len(hist))
			for i, h := range hist {
				closes[i] = h.Close
			}
			for _, w := range s.cfg.Windows {
				vals := Series(closes, w)
				seed[w] = vals[len(vals)-1]
			}
		}
	}

	rows := s.replay(seed, sortedCandles(st.CandleList))
	if err := s.writeSeries(tf, rows); err != nil {
		return err
	}
	st.HasCalculated = true
	st.CandleList = []models.Candle{}
	return s.persist()
}

// replay runs candles through the recurrence starting from seed (nil seeds
// with the first close) and returns one row per candle.
func (s *Store) replay(seed map[int]float64, candles []models.Candle) []Snapshot {
	last := make(map[int]float64, len(s.cfg.Windows))
	for k, v := range seed {
		last[k] = v
	}
	rows := make([]Snapshot, 0, len(candles))
	for i, c := range candles {
		row := Snapshot{IndexKey: float64(i)}
		for _, w := range s.cfg.Windows {
			prev, ok := last[w]
			v := c.Close
			if ok {
				v = Next(prev, c.Close, w)
			}
			last[w] = v
			row[strconv.Itoa(w)] = v
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *Store) appendRow(tf string, c models.Candle) error {
	ser, err := s.loadSeries(tf)
	if err != nil {
		return err
	}
	row := Snapshot{IndexKey: float64(len(ser.rows))}
	for _, w := range s.cfg.Windows {
		v := c.Close
		if prev, ok := ser.last[w]; ok {
			v = Next(prev, c.Close, w)
		}
		row[strconv.Itoa(w)] = v
	}
	return s.writeSeries(tf, append(ser.rows, row))
}

func (s *Store) seriesPath(tf string) string {
	if s.cfg.SeriesDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.SeriesDir, strings.ToUpper(tf)+".json")
}

func (s *Store) loadSeries(tf string) (*series, error) {
	ser, ok := s.series[tf]
	if ok && ser.loaded {
		return ser, nil
	}
	ser = &series{last: map[int]float64{}, loaded: true}
	if path := s.seriesPath(tf); path != "" {
		var rows []Snapshot
		err := storage.ReadJSON(path, &rows)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load ema series %s: %w", tf, err)
		}
		ser.rows = rows
		ser.last = lastValues(rows, s.cfg.Windows)
	}
	s.series[tf] = ser
	return ser, nil
}

func (s *Store) writeSeries(tf string, rows []Snapshot) error {
	if rows == nil {
		rows = []Snapshot{}
	}
	if path := s.seriesPath(tf); path != "" {
		if err := storage.WriteJSONAtomic(path, rows); err != nil {
			return fmt.Errorf("write ema series %s: %w", tf, err)
		}
	}
	s.series[tf] = &series{rows: rows, last: lastValues(rows, s.cfg.Windows), loaded: true}
	return nil
}

func lastValues(rows []Snapshot, windows []int) map[int]float64 {
	out := make(map[int]float64, len(windows))
	if len(rows) == 0 {
		return out
	}
	tail := rows[len(rows)-1]
	for _, w := range windows {
		if v, ok := tail.Value(w); ok {
			out[w] = v
		}
	}
	return out
}

// bufferedBefore reports whether the buffer holds candles from an earlier day.
func bufferedBefore(buf []models.Candle, open time.Time) bool {
	day := open.Format("2006-01-02")
	for _, c := range buf {
		if c.Timestamp.In(open.Location()).Format("2006-01-02") < day {
			return true
		}
	}
	return false
}

func sortedCandles(in []models.Candle) []models.Candle {
	out := append([]models.Candle(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// HardReset returns the given timeframes to an empty, unfinalized state and
// clears their series. With no arguments every known timeframe is reset, or
// DefaultResetTimeframes when none is known.
func (s *Store) HardReset(tfs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tfs) == 0 {
		for tf := range s.state {
			tfs = append(tfs, tf)
		}
		sort.Strings(tfs)
		if len(tfs) == 0 {
			tfs = append(tfs, DefaultResetTimeframes...)
		}
	}
	for _, tf := range tfs {
		s.state[tf] = &State{CandleList: []models.Candle{}}
		if err := s.writeSeries(tf, nil); err != nil {
			return err
		}
	}
	if err := s.persist(); err != nil {
		return err
	}
	s.logger.WithField("timeframes", strings.Join(tfs, ",")).Info("EMA state hard reset")
	return nil
}

// Latest returns a copy of the newest series row for tf.
func (s *Store) Latest(tf string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ser, err := s.loadSeries(tf)
	if err != nil || len(ser.rows) == 0 {
		return nil, false
	}
	return ser.rows[len(ser.rows)-1].clone(), true
}

// Rows returns a copy of the full series for tf.
func (s *Store) Rows(tf string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ser, err := s.loadSeries(tf)
	if err != nil {
		return nil
	}
	out := make([]Snapshot, len(ser.rows))
	for i, r := range ser.rows {
		out[i] = r.clone()
	}
	return out
}

// Tail returns copies of the last n series rows for tf, oldest first.
func (s *Store) Tail(tf string, n int) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ser, err := s.loadSeries(tf)
	if err != nil || n <= 0 {
		return nil
	}
	rows := ser.rows
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := make([]Snapshot, len(rows))
	for i, r := range rows {
		out[i] = r.clone()
	}
	return out
}

// StateOf returns a copy of the lifecycle state for tf.
func (s *Store) StateOf(tf string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[tf]
	if !ok {
		return State{}, false
	}
	return State{CandleList: append([]models.Candle(nil), st.CandleList...), HasCalculated: st.HasCalculated}, true
}

// Windows reports the configured EMA windows.
func (s *Store) Windows() []int {
	return append([]int(nil), s.cfg.Windows...)
}

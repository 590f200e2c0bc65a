package quotes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/sirupsen/logrus"
)

// ErrFixture reports an unreadable or empty replay fixture.
var ErrFixture = errors.New("quote fixture")

// ReplayProvider returns recorded chain snapshots one poll at a time. When
// the fixture is exhausted it loops, or keeps returning the last snapshot.
type ReplayProvider struct {
	mu        sync.Mutex
	snapshots [][]models.OptionQuote
	index     int
	loop      bool
}

// NewReplayProvider loads a fixture. Files ending in .jsonl or .ndjson hold
// one snapshot per line; anything else is a single JSON document holding a
// snapshot or a list of snapshots.
func NewReplayProvider(path string, loop bool) (*ReplayProvider, error) {
	snaps, err := loadFixture(path)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no snapshots in %s", ErrFixture, path)
	}
	return &ReplayProvider{snapshots: snaps, loop: loop}, nil
}

// FetchQuotes implements Provider. Rows missing a symbol or expiration take
// the requested ones.
func (p *ReplayProvider) FetchQuotes(_ context.Context, symbol, expiration string) ([]models.OptionQuote, error) {
	p.mu.Lock()
	snap := p.snapshots[p.index]
	p.index++
	if p.index >= len(p.snapshots) {
		if p.loop {
			p.index = 0
		} else {
			p.index = len(p.snapshots) - 1
		}
	}
	p.mu.Unlock()

	out := make([]models.OptionQuote, len(snap))
	for i, q := range snap {
		if q.Contract.Symbol == "" {
			q.Contract.Symbol = strings.ToUpper(symbol)
		}
		if q.Contract.Expiration == "" {
			q.Contract.Expiration = expiration
		}
		out[i] = q
	}
	return out, nil
}

// looseNum decodes a JSON number or numeric string. Anything else, null
// included, decodes as absent rather than failing the whole snapshot.
type looseNum struct{ v *float64 }

func (n *looseNum) UnmarshalJSON(b []byte) error {
	n.v = nil
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		n.v = &f
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			n.v = &f
		}
	}
	return nil
}

func (n looseNum) MarshalJSON() ([]byte, error) {
	if n.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.v)
}

func (n looseNum) int64() *int64 {
	if n.v == nil {
		return nil
	}
	return models.Int(int64(*n.v))
}

func numOf(f *float64) looseNum { return looseNum{v: f} }

func numOfInt(i *int64) looseNum {
	if i == nil {
		return looseNum{}
	}
	return looseNum{v: models.Float(float64(*i))}
}

// fixtureRow is the flat quote shape used by fixtures and recordings.
type fixtureRow struct {
	Symbol       string          `json:"symbol"`
	OptionType   string          `json:"option_type"`
	Type         string          `json:"type,omitempty"`
	Strike       looseNum        `json:"strike"`
	Expiration   string          `json:"expiration"`
	Bid          looseNum        `json:"bid"`
	Ask          looseNum        `json:"ask"`
	Last         looseNum        `json:"last"`
	Volume       looseNum        `json:"volume"`
	OpenInterest looseNum        `json:"open_interest"`
	UpdatedAt    json.RawMessage `json:"updated_at,omitempty"`
}

func rowFromQuote(q models.OptionQuote) fixtureRow {
	ts, _ := json.Marshal(q.UpdatedAt)
	return fixtureRow{
		Symbol:       q.Contract.Symbol,
		OptionType:   string(q.Contract.OptionType),
		Strike:       numOf(models.Float(q.Contract.Strike)),
		Expiration:   q.Contract.Expiration,
		Bid:          numOf(q.Bid),
		Ask:          numOf(q.Ask),
		Last:         numOf(q.Last),
		Volume:       numOfInt(q.Volume),
		OpenInterest: numOfInt(q.OpenInterest),
		UpdatedAt:    ts,
	}
}

func (r fixtureRow) quote() (models.OptionQuote, bool) {
	raw := r.OptionType
	if raw == "" {
		raw = r.Type
	}
	typ, ok := models.ParseOptionType(raw)
	if !ok || r.Strike.v == nil {
		return models.OptionQuote{}, false
	}
	return models.OptionQuote{
		Contract: models.OptionContract{
			Symbol:     strings.ToUpper(r.Symbol),
			OptionType: typ,
			Strike:     *r.Strike.v,
			Expiration: strings.ReplaceAll(r.Expiration, "-", ""),
		},
		Bid:          r.Bid.v,
		Ask:          r.Ask.v,
		Last:         r.Last.v,
		Volume:       r.Volume.int64(),
		OpenInterest: r.OpenInterest.int64(),
		UpdatedAt:    parseTimestamp(r.UpdatedAt),
	}, true
}

// parseTimestamp accepts RFC3339 strings or epoch seconds; anything else is now.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Now().UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
			return t.UTC()
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f)
		}
		return time.Now().UTC()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return epoch(f)
	}
	return time.Now().UTC()
}

func epoch(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func loadFixture(path string) ([][]models.OptionQuote, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- fixture path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFixture, err)
	}

	var entries []json.RawMessage
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		for _, line := range bytes.Split(data, []byte("\n")) {
			if line = bytes.TrimSpace(line); len(line) > 0 {
				entries = append(entries, json.RawMessage(line))
			}
		}
	default:
		data = bytes.TrimSpace(data)
		switch {
		case len(data) == 0:
		case data[0] == '{':
			entries = []json.RawMessage{data}
		case data[0] == '[':
			var items []json.RawMessage
			if err := json.Unmarshal(data, &items); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrFixture, path, err)
			}
			// a flat list of rows is one snapshot
			if len(items) > 0 && isRow(items[0]) {
				entries = []json.RawMessage{data}
			} else {
				entries = items
			}
		default:
			return nil, fmt.Errorf("%w: unsupported format %s", ErrFixture, path)
		}
	}

	snaps := make([][]models.OptionQuote, 0, len(entries))
	for i, e := range entries {
		snap, err := parseSnapshot(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %s entry %d: %w", ErrFixture, path, i, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func isRow(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return false
	}
	_, hasType := fields["option_type"]
	_, hasStrike := fields["strike"]
	return hasType || hasStrike
}

func parseSnapshot(raw json.RawMessage) ([]models.OptionQuote, error) {
	raw = bytes.TrimSpace(raw)
	var rows []fixtureRow
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
	case len(raw) > 0 && raw[0] == '{':
		var wrapped struct {
			Options []fixtureRow `json:"options"`
			Quotes  []fixtureRow `json:"quotes"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		switch {
		case wrapped.Options != nil:
			rows = wrapped.Options
		case wrapped.Quotes != nil:
			rows = wrapped.Quotes
		default:
			var row fixtureRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, err
			}
			rows = []fixtureRow{row}
		}
	default:
		return nil, errors.New("snapshot must be an object or a list")
	}

	out := make([]models.OptionQuote, 0, len(rows))
	for _, r := range rows {
		if q, ok := r.quote(); ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// RecordingProvider passes quotes through and appends every snapshot to a
// JSON-lines file that ReplayProvider can read back.
type RecordingProvider struct {
	inner  Provider
	path   string
	logger logrus.FieldLogger
	mu     sync.Mutex
}

// NewRecordingProvider wraps inner, recording to path.
func NewRecordingProvider(inner Provider, path string, logger logrus.FieldLogger) *RecordingProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RecordingProvider{inner: inner, path: path, logger: logger.WithField("component", "quotes")}
}

// FetchQuotes implements Provider. A failed write is logged and never hides
// the fetched quotes.
func (p *RecordingProvider) FetchQuotes(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error) {
	qs, err := p.inner.FetchQuotes(ctx, symbol, expiration)
	if err != nil {
		return nil, err
	}
	rows := make([]fixtureRow, len(qs))
	for i, q := range qs {
		rows[i] = rowFromQuote(q)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if werr := storage.AppendJSONLine(p.path, rows); werr != nil {
		p.logger.WithError(werr).WithField("path", p.path).Warn("failed to record quote snapshot")
	}
	return qs, nil
}

package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TradeEventRow mirrors Event in the trade_events table.
type TradeEventRow struct {
	gorm.Model
	TS             time.Time `gorm:"index"`
	Event          string    `gorm:"index"`
	PositionID     string    `gorm:"index"`
	OrderID        string
	OrderStatus    string
	Symbol         string
	OptionType     string
	Strike         float64
	Expiration     string
	ContractKey    string `gorm:"index"`
	StrategyTag    string
	Quantity       *int
	FillPrice      *float64
	TotalValue     *float64
	AvgEntry       *float64
	QuantityOpen   int
	PositionStatus string
	RealizedPnL    float64
	Reason         string
}

// TableName pins the table name.
func (TradeEventRow) TableName() string { return "trade_events" }

// SQLiteStore mirrors ledger events into SQLite for ad-hoc queries.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&TradeEventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record implements Recorder.
func (s *SQLiteStore) Record(ev Event) error {
	row := TradeEventRow{
		TS:             ev.TS.UTC(),
		Event:          ev.Event,
		PositionID:     ev.PositionID,
		OrderID:        ev.OrderID,
		OrderStatus:    ev.OrderStatus,
		Symbol:         ev.Symbol,
		OptionType:     ev.OptionType,
		Strike:         ev.Strike,
		Expiration:     ev.Expiration,
		ContractKey:    ev.ContractKey,
		StrategyTag:    ev.StrategyTag,
		Quantity:       ev.Quantity,
		FillPrice:      ev.FillPrice,
		TotalValue:     ev.TotalValue,
		AvgEntry:       ev.AvgEntry,
		QuantityOpen:   ev.QuantityOpen,
		PositionStatus: string(ev.PositionStatus),
		RealizedPnL:    ev.RealizedPnL,
		Reason:         ev.Reason,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save trade event: %w", err)
	}
	return nil
}

// EventsForPosition returns a position's events oldest first.
func (s *SQLiteStore) EventsForPosition(positionID string) ([]TradeEventRow, error) {
	var rows []TradeEventRow
	if err := s.db.Where("position_id = ?", positionID).Order("ts ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get trade events: %w", err)
	}
	return rows, nil
}

// DailyRealizedPnL sums realized_pnl of close events on day (YYYY-MM-DD) in loc.
func (s *SQLiteStore) DailyRealizedPnL(day string, loc *time.Location) (float64, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(time.DateOnly, day, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", day, err)
	}
	end := start.AddDate(0, 0, 1)

	var total float64
	err = s.db.Model(&TradeEventRow{}).
		Where("event = ? AND ts >= ? AND ts < ?", EventClose, start.UTC(), end.UTC()).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

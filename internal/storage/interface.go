// Package storage provides trade and summary persistence.
package storage

import (
	"errors"

	"github.com/niftyterm/gamma_strangler/internal/models"
)

// ErrTradeNotFound is returned when a trade id does not exist.
var ErrTradeNotFound = errors.New("storage: trade not found")

// Interface defines the contract for trade data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can be called from the scheduler loop and
// the control API at the same time.
//
// All date parameters are IST calendar days formatted "2006-01-02".
type Interface interface {
	// Trade lifecycle
	CreateTrade(trade *models.Trade) error
	UpdateTrade(trade *models.Trade) error
	GetTrade(id string) (*models.Trade, error)
	GetOpenTrades() ([]*models.Trade, error)
	GetAllTrades() ([]*models.Trade, error)
	GetTradesForDate(tradeDate string) ([]*models.Trade, error)

	// Adjustment log (append-only)
	CreateAdjustment(adj models.Adjustment) error
	GetAdjustmentsForTrade(tradeID string) ([]models.Adjustment, error)

	// Daily analytics
	UpsertDailySummary(summary models.DailySummary) error
	GetAllDailySummaries() ([]models.DailySummary, error)

	Close() error
}

// Ensure implementations satisfy Interface at compile time.
var (
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MockStore)(nil)
)

package storage

import (
	"sort"
	"sync"

	"github.com/niftyterm/gamma_strangler/internal/models"
)

// MockStore is an in-memory Interface implementation for tests.
type MockStore struct {
	mu          sync.RWMutex
	trades      map[string]*models.Trade
	order       []string
	adjustments map[string][]models.Adjustment
	summaries   map[string]models.DailySummary

	// Error hooks let tests script persistence failures.
	CreateErr error
	UpdateErr error
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		trades:      make(map[string]*models.Trade),
		adjustments: make(map[string][]models.Adjustment),
		summaries:   make(map[string]models.DailySummary),
	}
}

// CreateTrade stores a deep copy of the trade.
func (m *MockStore) CreateTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.trades[trade.ID] = copyTrade(trade)
	m.order = append(m.order, trade.ID)
	return nil
}

// UpdateTrade replaces the stored copy.
func (m *MockStore) UpdateTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.trades[trade.ID]; !ok {
		return ErrTradeNotFound
	}
	m.trades[trade.ID] = copyTrade(trade)
	return nil
}

// GetTrade returns a copy of the stored trade.
func (m *MockStore) GetTrade(id string) (*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

// GetOpenTrades returns copies of all OPEN trades in insertion order.
func (m *MockStore) GetOpenTrades() ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trade
	for _, id := range m.order {
		if t := m.trades[id]; t.Status == models.StatusOpen {
			out = append(out, copyTrade(t))
		}
	}
	return out, nil
}

// GetAllTrades returns copies of every trade in insertion order.
func (m *MockStore) GetAllTrades() ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trade, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyTrade(m.trades[id]))
	}
	return out, nil
}

// GetTradesForDate filters by IST calendar day.
func (m *MockStore) GetTradesForDate(tradeDate string) ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trade
	for _, id := range m.order {
		if t := m.trades[id]; t.TradeDate == tradeDate {
			out = append(out, copyTrade(t))
		}
	}
	return out, nil
}

// CreateAdjustment appends to the trade's adjustment log.
func (m *MockStore) CreateAdjustment(adj models.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments[adj.TradeID] = append(m.adjustments[adj.TradeID], adj)
	return nil
}

// GetAdjustmentsForTrade returns the trade's adjustment log.
func (m *MockStore) GetAdjustmentsForTrade(tradeID string) ([]models.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adjs := m.adjustments[tradeID]
	out := make([]models.Adjustment, len(adjs))
	copy(out, adjs)
	return out, nil
}

// UpsertDailySummary replaces the day's row.
func (m *MockStore) UpsertDailySummary(summary models.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[summary.TradeDate] = summary
	return nil
}

// GetAllDailySummaries returns summaries newest first.
func (m *MockStore) GetAllDailySummaries() ([]models.DailySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DailySummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate > out[j].TradeDate })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MockStore) Close() error { return nil }

func copyTrade(t *models.Trade) *models.Trade {
	clone := *t
	clone.Legs = make([]*models.Position, len(t.Legs))
	for i, leg := range t.Legs {
		legCopy := *leg
		clone.Legs[i] = &legCopy
	}
	return &clone
}

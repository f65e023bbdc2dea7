package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/niftyterm/gamma_strangler/internal/models"
)

// SQLiteStore implements Interface using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		trade_date TEXT NOT NULL,
		variant TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME,
		entry_spot REAL NOT NULL,
		ce_strike REAL NOT NULL,
		pe_strike REAL NOT NULL,
		premium_collected REAL NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		close_reason TEXT,
		adjustment_level INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL,
		leg_index INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		strike REAL NOT NULL,
		class TEXT NOT NULL,
		side TEXT NOT NULL,
		is_hedge INTEGER NOT NULL DEFAULT 0,
		entry_price REAL NOT NULL,
		current_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		delta REAL NOT NULL DEFAULT 0,
		gamma REAL NOT NULL DEFAULT 0,
		UNIQUE(trade_id, leg_index),
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		action TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_trade ON adjustments(trade_id);

	CREATE TABLE IF NOT EXISTS daily_summary (
		trade_date TEXT PRIMARY KEY,
		total_trades INTEGER NOT NULL,
		winning_trades INTEGER NOT NULL,
		net_pnl REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		win_rate REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTrade inserts the trade and all of its legs in one transaction.
func (s *SQLiteStore) CreateTrade(trade *models.Trade) error {
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid trade: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO trades (id, trade_date, variant, entry_time, exit_time, entry_spot,
			ce_strike, pe_strike, premium_collected, realized_pnl, status, close_reason, adjustment_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.TradeDate, string(trade.Variant), trade.EntryTime, nullTime(trade.ExitTime),
		trade.EntrySpot, trade.CEStrike, trade.PEStrike, trade.PremiumCollected,
		trade.RealizedPnL, string(trade.Status), trade.CloseReason, trade.AdjustmentLevel)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", trade.ID, err)
	}

	if err := insertLegs(tx, trade); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateTrade rewrites the trade row and its legs.
func (s *SQLiteStore) UpdateTrade(trade *models.Trade) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// ce_strike and pe_strike move when the defense rolls a short leg, so the
	// trade row must follow the legs.
	res, err := tx.Exec(`
		UPDATE trades SET exit_time = ?, ce_strike = ?, pe_strike = ?, premium_collected = ?,
			realized_pnl = ?, status = ?, close_reason = ?, adjustment_level = ?
		WHERE id = ?`,
		nullTime(trade.ExitTime), trade.CEStrike, trade.PEStrike, trade.PremiumCollected,
		trade.RealizedPnL, string(trade.Status), trade.CloseReason, trade.AdjustmentLevel, trade.ID)
	if err != nil {
		return fmt.Errorf("updating trade %s: %w", trade.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}

	if _, err := tx.Exec(`DELETE FROM positions WHERE trade_id = ?`, trade.ID); err != nil {
		return fmt.Errorf("clearing legs for trade %s: %w", trade.ID, err)
	}
	if err := insertLegs(tx, trade); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLegs(tx *sql.Tx, trade *models.Trade) error {
	stmt, err := tx.Prepare(`
		INSERT INTO positions (trade_id, leg_index, symbol, strike, class, side,
			is_hedge, entry_price, current_price, quantity, delta, gamma)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing leg insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, leg := range trade.Legs {
		_, err := stmt.Exec(trade.ID, i, leg.Symbol, leg.Strike, string(leg.Class),
			string(leg.Side), leg.IsHedge, leg.EntryPrice, leg.CurrentPrice,
			leg.Quantity, leg.Greeks.Delta, leg.Greeks.Gamma)
		if err != nil {
			return fmt.Errorf("inserting leg %d of trade %s: %w", i, trade.ID, err)
		}
	}
	return nil
}

// GetTrade loads one trade with its legs.
func (s *SQLiteStore) GetTrade(id string) (*models.Trade, error) {
	trades, err := s.queryTrades(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrTradeNotFound
	}
	return trades[0], nil
}

// GetOpenTrades returns all trades with status OPEN, oldest first.
func (s *SQLiteStore) GetOpenTrades() ([]*models.Trade, error) {
	return s.queryTrades(`WHERE status = ? ORDER BY entry_time`, string(models.StatusOpen))
}

// GetAllTrades returns every trade, oldest first.
func (s *SQLiteStore) GetAllTrades() ([]*models.Trade, error) {
	return s.queryTrades(`ORDER BY entry_time`)
}

// GetTradesForDate returns trades for one IST calendar day.
func (s *SQLiteStore) GetTradesForDate(tradeDate string) ([]*models.Trade, error) {
	return s.queryTrades(`WHERE trade_date = ? ORDER BY entry_time`, tradeDate)
}

func (s *SQLiteStore) queryTrades(clause string, args ...interface{}) ([]*models.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_date, variant, entry_time, exit_time, entry_spot, ce_strike,
			pe_strike, premium_collected, realized_pnl, status, close_reason, adjustment_level
		FROM trades `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trades []*models.Trade
	for rows.Next() {
		var t models.Trade
		var variant, status string
		var exitTime sql.NullTime
		var closeReason sql.NullString
		err := rows.Scan(&t.ID, &t.TradeDate, &variant, &t.EntryTime, &exitTime,
			&t.EntrySpot, &t.CEStrike, &t.PEStrike, &t.PremiumCollected,
			&t.RealizedPnL, &status, &closeReason, &t.AdjustmentLevel)
		if err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Variant = models.Variant(variant)
		t.Status = models.TradeStatus(status)
		if exitTime.Valid {
			t.ExitTime = exitTime.Time
		}
		if closeReason.Valid {
			t.CloseReason = closeReason.String
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trades: %w", err)
	}

	for _, t := range trades {
		if err := s.loadLegs(t); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

func (s *SQLiteStore) loadLegs(trade *models.Trade) error {
	rows, err := s.db.Query(`
		SELECT symbol, strike, class, side, is_hedge, entry_price, current_price,
			quantity, delta, gamma
		FROM positions WHERE trade_id = ? ORDER BY leg_index`, trade.ID)
	if err != nil {
		return fmt.Errorf("querying legs for trade %s: %w", trade.ID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var leg models.Position
		var class, side string
		err := rows.Scan(&leg.Symbol, &leg.Strike, &class, &side, &leg.IsHedge,
			&leg.EntryPrice, &leg.CurrentPrice, &leg.Quantity,
			&leg.Greeks.Delta, &leg.Greeks.Gamma)
		if err != nil {
			return fmt.Errorf("scanning leg for trade %s: %w", trade.ID, err)
		}
		leg.Class = models.OptionClass(class)
		leg.Side = models.Side(side)
		trade.Legs = append(trade.Legs, &leg)
	}
	return rows.Err()
}

// CreateAdjustment appends one adjustment record. Rows are never updated.
func (s *SQLiteStore) CreateAdjustment(adj models.Adjustment) error {
	_, err := s.db.Exec(`
		INSERT INTO adjustments (trade_id, tier, action, timestamp)
		VALUES (?, ?, ?, ?)`,
		adj.TradeID, adj.Tier, adj.Action, adj.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting adjustment for trade %s: %w", adj.TradeID, err)
	}
	return nil
}

// GetAdjustmentsForTrade returns the trade's adjustment log, oldest first.
func (s *SQLiteStore) GetAdjustmentsForTrade(tradeID string) ([]models.Adjustment, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, tier, action, timestamp
		FROM adjustments WHERE trade_id = ? ORDER BY timestamp, id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("querying adjustments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var adjs []models.Adjustment
	for rows.Next() {
		var a models.Adjustment
		if err := rows.Scan(&a.TradeID, &a.Tier, &a.Action, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning adjustment: %w", err)
		}
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// UpsertDailySummary writes the one row for the summary's calendar day.
func (s *SQLiteStore) UpsertDailySummary(summary models.DailySummary) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_summary (trade_date, total_trades, winning_trades, net_pnl, max_drawdown, win_rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_date) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			net_pnl = excluded.net_pnl,
			max_drawdown = excluded.max_drawdown,
			win_rate = excluded.win_rate,
			updated_at = CURRENT_TIMESTAMP`,
		summary.TradeDate, summary.TotalTrades, summary.WinningTrades,
		summary.NetPnL, summary.MaxDrawdown, summary.WinRate)
	if err != nil {
		return fmt.Errorf("upserting daily summary for %s: %w", summary.TradeDate, err)
	}
	return nil
}

// GetAllDailySummaries returns summaries newest first.
func (s *SQLiteStore) GetAllDailySummaries() ([]models.DailySummary, error) {
	rows, err := s.db.Query(`
		SELECT trade_date, total_trades, winning_trades, net_pnl, max_drawdown, win_rate
		FROM daily_summary ORDER BY trade_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying daily summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []models.DailySummary
	for rows.Next() {
		var d models.DailySummary
		err := rows.Scan(&d.TradeDate, &d.TotalTrades, &d.WinningTrades,
			&d.NetPnL, &d.MaxDrawdown, &d.WinRate)
		if err != nil {
			return nil, fmt.Errorf("scanning daily summary: %w", err)
		}
		summaries = append(summaries, d)
	}
	return summaries, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// Package models contains the canonical domain shapes produced by the sync
// engine. External collaborators (UI, datastore, aggregation logic) consume
// these structures; nothing in this package reaches the network.
package models

import "time"

// AccountStatus is the lifecycle state of a brokerage account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInactive AccountStatus = "INACTIVE"
	AccountClosed   AccountStatus = "CLOSED"
)

// AssetType is the closed set of instrument classes.
type AssetType string

const (
	AssetEquity         AssetType = "EQUITY"
	AssetOption         AssetType = "OPTION"
	AssetMutualFund     AssetType = "MUTUAL_FUND"
	AssetCashEquivalent AssetType = "CASH_EQUIVALENT"
	AssetFixedIncome    AssetType = "FIXED_INCOME"
	AssetCurrency       AssetType = "CURRENCY"
	AssetIndex          AssetType = "INDEX"
	AssetCollective     AssetType = "COLLECTIVE_INVESTMENT"
	AssetUnknown        AssetType = "UNKNOWN"
)

// TransactionType is the closed canonical transaction taxonomy. Every
// broker-specific type is mapped into one of these; unmapped types collapse
// to TransactionOther.
type TransactionType string

const (
	TransactionBuy          TransactionType = "BUY"
	TransactionSell         TransactionType = "SELL"
	TransactionSellShort    TransactionType = "SELL_SHORT"
	TransactionBuyToCover   TransactionType = "BUY_TO_COVER"
	TransactionBuyToOpen    TransactionType = "BUY_TO_OPEN"
	TransactionBuyToClose   TransactionType = "BUY_TO_CLOSE"
	TransactionSellToOpen   TransactionType = "SELL_TO_OPEN"
	TransactionSellToClose  TransactionType = "SELL_TO_CLOSE"
	TransactionDeposit      TransactionType = "DEPOSIT"
	TransactionWithdrawal   TransactionType = "WITHDRAWAL"
	TransactionTransferIn   TransactionType = "TRANSFER_IN"
	TransactionTransferOut  TransactionType = "TRANSFER_OUT"
	TransactionDividend     TransactionType = "DIVIDEND"
	TransactionInterest     TransactionType = "INTEREST"
	TransactionCapitalGains TransactionType = "CAPITAL_GAINS"
	TransactionStockSplit   TransactionType = "STOCK_SPLIT"
	TransactionFee          TransactionType = "FEE"
	TransactionAdjustment   TransactionType = "ADJUSTMENT"
	TransactionOther        TransactionType = "OTHER"
)

// Balances holds the monetary balances of an account.
type Balances struct {
	Cash                   float64 `json:"cash"`
	Securities             float64 `json:"securities"`
	TotalValue             float64 `json:"total_value"`
	BuyingPower            float64 `json:"buying_power"`
	MaintenanceRequirement float64 `json:"maintenance_requirement,omitempty"`
	MarginBalance          float64 `json:"margin_balance,omitempty"`
}

// Account is a read-only mirror of broker account state, refreshed each sync.
type Account struct {
	AccountID     string        `json:"account_id"`
	AccountNumber string        `json:"account_number"`
	Type          string        `json:"type"`
	Currency      string        `json:"currency"`
	Balances      Balances      `json:"balances"`
	Status        AccountStatus `json:"status"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// Position is a holding within an account.
type Position struct {
	Symbol        string    `json:"symbol"`
	CUSIP         string    `json:"cusip,omitempty"`
	Quantity      float64   `json:"quantity"`
	AveragePrice  float64   `json:"average_price"`
	CurrentPrice  float64   `json:"current_price"`
	MarketValue   float64   `json:"market_value"`
	DayPnL        float64   `json:"day_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	AssetType     AssetType `json:"asset_type"`
}

// CostBasis returns the acquisition cost of the position.
func (p *Position) CostBasis() float64 {
	return p.Quantity * p.AveragePrice
}

// CanonicalTransaction is a broker transaction mapped into the internal
// taxonomy. Raw retains the untouched wire payload for audit.
type CanonicalTransaction struct {
	ExternalID      string          `json:"external_id"`
	AccountID       string          `json:"account_id"`
	TransactionDate time.Time       `json:"transaction_date"`
	SettleDate      time.Time       `json:"settle_date,omitempty"`
	ExternalType    string          `json:"external_type"`
	Type            TransactionType `json:"type"`
	Symbol          string          `json:"symbol,omitempty"`
	CUSIP           string          `json:"cusip,omitempty"`
	Quantity        float64         `json:"quantity,omitempty"`
	Price           float64         `json:"price,omitempty"`
	NetAmount       float64         `json:"net_amount"`
	Fees            float64         `json:"fees,omitempty"`
	Raw             []byte          `json:"-"`
}

// SyncConfig describes a single sync run.
type SyncConfig struct {
	// AccountIDs limits the run to specific accounts; empty means all.
	AccountIDs []string `json:"account_ids,omitempty" yaml:"account_ids"`

	FromDate time.Time `json:"from_date,omitempty" yaml:"from_date"`
	ToDate   time.Time `json:"to_date,omitempty" yaml:"to_date"`

	// PageSize caps entries per transactions fetch; zero leaves the
	// broker default.
	PageSize int `json:"page_size,omitempty" yaml:"page_size"`

	IncludePositions     bool `json:"include_positions" yaml:"include_positions"`
	IncludeTransactions  bool `json:"include_transactions" yaml:"include_transactions"`
	IncludeOptions       bool `json:"include_options" yaml:"include_options"`
	UpdatePrices         bool `json:"update_prices" yaml:"update_prices"`
	CalculatePerformance bool `json:"calculate_performance" yaml:"calculate_performance"`

	// AutoSyncInterval enables periodic re-syncing when non-zero.
	AutoSyncInterval time.Duration `json:"auto_sync_interval,omitempty" yaml:"auto_sync_interval"`
}

// DefaultSyncConfig returns a full sync over the trailing year.
func DefaultSyncConfig() SyncConfig {
	now := time.Now()
	return SyncConfig{
		FromDate:             now.AddDate(-1, 0, 0),
		ToDate:               now,
		PageSize:             100,
		IncludePositions:     true,
		IncludeTransactions:  true,
		UpdatePrices:         true,
		CalculatePerformance: true,
	}
}

// DataStats aggregates totals across a sync run.
type DataStats struct {
	TotalValue       float64    `json:"total_value"`
	TotalCash        float64    `json:"total_cash"`
	TotalSecurities  float64    `json:"total_securities"`
	PositionCount    int        `json:"position_count"`
	TransactionCount int        `json:"transaction_count"`
	OldestTxnDate    *time.Time `json:"oldest_txn_date,omitempty"`
	NewestTxnDate    *time.Time `json:"newest_txn_date,omitempty"`
}

// SyncResult is the immutable outcome of a sync run. It is always returned
// to the caller, even after a partial failure or early abort.
type SyncResult struct {
	RunID string `json:"run_id"`

	Success bool `json:"success"`

	AccountsSynced      int `json:"accounts_synced"`
	PositionsSynced     int `json:"positions_synced"`
	TransactionsSynced  int `json:"transactions_synced"`
	TransactionsNew     int `json:"transactions_new"`
	TransactionsUpdated int `json:"transactions_updated"`

	// Errors are fatal failures (authentication, account enumeration).
	Errors []string `json:"errors,omitempty"`
	// Warnings are recoverable per-account or per-step failures.
	Warnings []string `json:"warnings,omitempty"`

	Stats DataStats `json:"stats"`

	Accounts     []Account              `json:"accounts,omitempty"`
	Positions    map[string][]Position  `json:"positions,omitempty"`
	Transactions []CanonicalTransaction `json:"transactions,omitempty"`

	LastSyncTime time.Time  `json:"last_sync_time"`
	NextSyncTime *time.Time `json:"next_sync_time,omitempty"`
}

// PerformanceMetrics are derived from current balances during a sync run.
type PerformanceMetrics struct {
	AccountID       string  `json:"account_id"`
	TotalValue      float64 `json:"total_value"`
	CashPct         float64 `json:"cash_pct"`
	SecuritiesPct   float64 `json:"securities_pct"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	DayPnL          float64 `json:"day_pnl"`
	MarginUtilized  float64 `json:"margin_utilized,omitempty"`
	PositionCount   int     `json:"position_count"`
	LargestPosition string  `json:"largest_position,omitempty"`
}

// Package transform maps broker wire shapes into the canonical internal
// shapes and performs structural validation. Everything here is pure: no
// network, no shared state, inputs never mutated.
package transform

import (
	"fmt"
	"math"
	"strings"
	"time"

	"brokersync/internal/broker/schwab"
	"brokersync/internal/models"
)

// transactionTypeMap is the closed mapping from broker transaction vocabulary
// to the canonical taxonomy. Unknown keys collapse to OTHER with a warning,
// never a failure.
var transactionTypeMap = map[string]models.TransactionType{
	"BUY":                  models.TransactionBuy,
	"SELL":                 models.TransactionSell,
	"SELL_SHORT":           models.TransactionSellShort,
	"SHORT_SALE":           models.TransactionSellShort,
	"BUY_TO_COVER":         models.TransactionBuyToCover,
	"BUY_TO_OPEN":          models.TransactionBuyToOpen,
	"BUY_TO_CLOSE":         models.TransactionBuyToClose,
	"SELL_TO_OPEN":         models.TransactionSellToOpen,
	"SELL_TO_CLOSE":        models.TransactionSellToClose,
	"DEPOSIT":              models.TransactionDeposit,
	"CASH_RECEIPT":         models.TransactionDeposit,
	"ELECTRONIC_FUND":      models.TransactionDeposit,
	"WITHDRAWAL":           models.TransactionWithdrawal,
	"CASH_DISBURSEMENT":    models.TransactionWithdrawal,
	"TRANSFER_IN":          models.TransactionTransferIn,
	"RECEIVE_AND_DELIVER":  models.TransactionTransferIn,
	"WIRE_IN":              models.TransactionTransferIn,
	"TRANSFER_OUT":         models.TransactionTransferOut,
	"WIRE_OUT":             models.TransactionTransferOut,
	"DIVIDEND":             models.TransactionDividend,
	"QUALIFIED_DIVIDEND":   models.TransactionDividend,
	"DIVIDEND_OR_INTEREST": models.TransactionDividend,
	"INTEREST":             models.TransactionInterest,
	"CREDIT_INTEREST":      models.TransactionInterest,
	"CAPITAL_GAINS":        models.TransactionCapitalGains,
	"LONG_TERM_CAP_GAINS":  models.TransactionCapitalGains,
	"SHORT_TERM_CAP_GAINS": models.TransactionCapitalGains,
	"STOCK_SPLIT":          models.TransactionStockSplit,
	"SPLIT":                models.TransactionStockSplit,
	"FEE":                  models.TransactionFee,
	"SERVICE_FEE":          models.TransactionFee,
	"ADJUSTMENT":           models.TransactionAdjustment,
	"JOURNAL":              models.TransactionAdjustment,
}

// assetTypeMap maps broker instrument asset types to the canonical enum.
var assetTypeMap = map[string]models.AssetType{
	"EQUITY":                models.AssetEquity,
	"OPTION":                models.AssetOption,
	"MUTUAL_FUND":           models.AssetMutualFund,
	"CASH_EQUIVALENT":       models.AssetCashEquivalent,
	"FIXED_INCOME":          models.AssetFixedIncome,
	"CURRENCY":              models.AssetCurrency,
	"INDEX":                 models.AssetIndex,
	"COLLECTIVE_INVESTMENT": models.AssetCollective,
	"ETF":                   models.AssetCollective,
}

// MapTransactionType maps a broker transaction type into the canonical
// taxonomy. Unknown types map to OTHER and return a warning referencing the
// original value.
func MapTransactionType(externalType string) (models.TransactionType, string) {
	key := strings.ToUpper(strings.TrimSpace(externalType))
	if t, ok := transactionTypeMap[key]; ok {
		return t, ""
	}
	return models.TransactionOther, fmt.Sprintf("unknown transaction type %q mapped to OTHER", externalType)
}

// MapAssetType maps a broker asset type string to the canonical enum,
// defaulting to UNKNOWN.
func MapAssetType(externalType string) models.AssetType {
	if t, ok := assetTypeMap[strings.ToUpper(strings.TrimSpace(externalType))]; ok {
		return t
	}
	return models.AssetUnknown
}

// TransformAccount maps a wire account into the canonical shape.
func TransformAccount(wire schwab.SecuritiesAccount, now time.Time) models.Account {
	status := models.AccountActive
	switch {
	case wire.IsClosed:
		status = models.AccountClosed
	case strings.EqualFold(wire.Status, "inactive"):
		status = models.AccountInactive
	case strings.EqualFold(wire.Status, "closed"):
		status = models.AccountClosed
	}

	currency := wire.Currency
	if currency == "" {
		currency = "USD"
	}

	return models.Account{
		AccountID:     wire.AccountID,
		AccountNumber: wire.AccountNumber,
		Type:          wire.Type,
		Currency:      currency,
		Status:        status,
		Balances: models.Balances{
			Cash:                   wire.CurrentBalances.CashBalance,
			Securities:             wire.CurrentBalances.LongMarketValue,
			TotalValue:             wire.CurrentBalances.LiquidationValue,
			BuyingPower:            wire.CurrentBalances.BuyingPower,
			MaintenanceRequirement: wire.CurrentBalances.MaintenanceRequirement,
			MarginBalance:          wire.CurrentBalances.MarginBalance,
		},
		LastUpdated: now,
	}
}

// TransformPosition maps a wire position into the canonical shape.
func TransformPosition(wire schwab.WirePosition) models.Position {
	quantity := wire.Quantity()

	currentPrice := 0.0
	if quantity != 0 {
		currentPrice = math.Abs(wire.MarketValue / quantity)
	}

	return models.Position{
		Symbol:        wire.Instrument.Symbol,
		CUSIP:         wire.Instrument.CUSIP,
		Quantity:      quantity,
		AveragePrice:  wire.AveragePrice,
		CurrentPrice:  currentPrice,
		MarketValue:   wire.MarketValue,
		DayPnL:        wire.CurrentDayProfitLoss,
		UnrealizedPnL: wire.UnrealizedPnL(),
		AssetType:     MapAssetType(wire.Instrument.AssetType),
	}
}

// TransformTransaction maps a transaction envelope into the canonical shape.
// The original wire payload is retained on the result. Returns the canonical
// transaction and any mapping warnings.
func TransformTransaction(env schwab.TransactionEnvelope, accountID string) (models.CanonicalTransaction, []string) {
	wire := env.Transaction
	var warnings []string

	canonicalType, warning := MapTransactionType(wire.Type)
	if warning != "" {
		warnings = append(warnings, warning)
	}

	txnDate, err := parseWireDate(wire.TransactionDate)
	if err != nil && wire.TransactionDate != "" {
		warnings = append(warnings, fmt.Sprintf("transaction %s: unparseable transaction date %q", wire.TransactionID, wire.TransactionDate))
	}
	settleDate, _ := parseWireDate(wire.SettlementDate)

	return models.CanonicalTransaction{
		ExternalID:      wire.TransactionID,
		AccountID:       accountID,
		TransactionDate: txnDate,
		SettleDate:      settleDate,
		ExternalType:    wire.Type,
		Type:            canonicalType,
		Symbol:          wire.TransactionItem.Instrument.Symbol,
		CUSIP:           wire.TransactionItem.Instrument.CUSIP,
		Quantity:        wire.TransactionItem.Amount,
		Price:           wire.TransactionItem.Price,
		NetAmount:       wire.NetAmount,
		Fees:            wire.TotalFees(),
		Raw:             env.Raw,
	}, warnings
}

// parseWireDate handles the timestamp formats the broker emits.
func parseWireDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// ValidationResult carries structural findings without touching the data.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether the batch has no hard errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Validate performs structural checks over a batch of canonical accounts and
// their positions. Missing identifiers are errors; suspicious values
// (non-positive total, zero-quantity positions) are warnings. Input is never
// mutated.
func Validate(accounts []models.Account, positions map[string][]models.Position) ValidationResult {
	var result ValidationResult

	for i, acct := range accounts {
		if acct.AccountID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("account at index %d is missing an account id", i))
			continue
		}
		if acct.Balances.TotalValue <= 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("account %s has non-positive total value %.2f", acct.AccountID, acct.Balances.TotalValue))
		}
		for _, pos := range positions[acct.AccountID] {
			if pos.Symbol == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("account %s has a position without a symbol", acct.AccountID))
			}
			if pos.Quantity == 0 {
				result.Warnings = append(result.Warnings, fmt.Sprintf("account %s position %s has zero quantity", acct.AccountID, pos.Symbol))
			}
		}
	}

	return result
}

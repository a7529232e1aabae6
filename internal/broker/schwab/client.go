package schwab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "brokersync/internal/errors"
)

const (
	// API base URLs
	apiBaseProduction = "https://api.schwabapi.com"
	apiBaseSandbox    = "https://api-sandbox.schwabapi.com"

	traderPath     = "/trader/v1"
	marketDataPath = "/marketdata/v1"
)

// Client provides typed operations against the broker API, built on the
// AuthManager and rate-limited Transport. Every operation ensures the
// session is valid before dispatch and validates input shape before any
// network call.
type Client struct {
	auth      *AuthManager
	transport *Transport
}

// NewClient creates a broker API client.
func NewClient(auth *AuthManager, transport *Transport) *Client {
	return &Client{auth: auth, transport: transport}
}

// TransactionEnvelope pairs a decoded transaction with its untouched wire
// payload so downstream consumers can retain it for audit.
type TransactionEnvelope struct {
	Transaction WireTransaction
	Raw         json.RawMessage
}

// ListAccounts retrieves all accounts, including positions.
func (c *Client) ListAccounts(ctx context.Context) ([]SecuritiesAccount, error) {
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", "positions")

	var items []AccountsItem
	if err := c.transport.Get(ctx, traderPath+"/accounts", q, &items); err != nil {
		return nil, err
	}

	accounts := make([]SecuritiesAccount, len(items))
	for i, item := range items {
		accounts[i] = item.SecuritiesAccount
	}
	return accounts, nil
}

// GetAccount retrieves a single account with positions.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*SecuritiesAccount, error) {
	if accountID == "" {
		return nil, apperrors.ValidationField("accountId", "account id must not be empty")
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", "positions")

	var item AccountsItem
	if err := c.transport.Get(ctx, traderPath+"/accounts/"+url.PathEscape(accountID), q, &item); err != nil {
		return nil, err
	}
	return &item.SecuritiesAccount, nil
}

// GetPositions retrieves the positions of an account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]WirePosition, error) {
	account, err := c.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return account.Positions, nil
}

// GetTransactions retrieves transactions for an account, optionally filtered
// by type, date range, and symbol.
func (c *Client) GetTransactions(ctx context.Context, accountID string, params TransactionParams) ([]TransactionEnvelope, error) {
	if accountID == "" {
		return nil, apperrors.ValidationField("accountId", "account id must not be empty")
	}
	if err := validateDateRange(params.StartDate, params.EndDate); err != nil {
		return nil, err
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	if params.Type != "" {
		q.Set("types", params.Type)
	}
	if params.StartDate != "" {
		q.Set("startDate", params.StartDate)
	}
	if params.EndDate != "" {
		q.Set("endDate", params.EndDate)
	}
	if params.Symbol != "" {
		q.Set("symbol", params.Symbol)
	}
	if params.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(params.PageSize))
	}

	body, err := c.transport.GetRaw(ctx, traderPath+"/accounts/"+url.PathEscape(accountID)+"/transactions", q)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "malformed transactions response", err)
	}

	envelopes := make([]TransactionEnvelope, 0, len(raws))
	for _, raw := range raws {
		var txn WireTransaction
		if err := json.Unmarshal(raw, &txn); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "malformed transaction entry", err)
		}
		envelopes = append(envelopes, TransactionEnvelope{Transaction: txn, Raw: raw})
	}
	return envelopes, nil
}

// GetTransaction retrieves a single transaction by id.
func (c *Client) GetTransaction(ctx context.Context, accountID, transactionID string) (*TransactionEnvelope, error) {
	if accountID == "" {
		return nil, apperrors.ValidationField("accountId", "account id must not be empty")
	}
	if transactionID == "" {
		return nil, apperrors.ValidationField("transactionId", "transaction id must not be empty")
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	path := traderPath + "/accounts/" + url.PathEscape(accountID) + "/transactions/" + url.PathEscape(transactionID)
	body, err := c.transport.GetRaw(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	var txn WireTransaction
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "malformed transaction response", err)
	}
	return &TransactionEnvelope{Transaction: txn, Raw: body}, nil
}

// GetQuotes retrieves quotes for a batch of symbols.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return nil, apperrors.ValidationField("symbols", "at least one symbol is required")
	}
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			return nil, apperrors.ValidationField("symbols", "symbol must not be empty")
		}
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	quotes := make(map[string]Quote)
	if err := c.transport.Get(ctx, marketDataPath+"/quotes", q, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// GetQuote retrieves a quote for a single symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, apperrors.ValidationField("symbol", "symbol must not be empty")
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	var quotes map[string]Quote
	path := marketDataPath + "/" + url.PathEscape(symbol) + "/quotes"
	if err := c.transport.Get(ctx, path, nil, &quotes); err != nil {
		return nil, err
	}

	quote, ok := quotes[symbol]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("quote for %s", symbol))
	}
	return &quote, nil
}

// GetPriceHistory retrieves OHLCV candles for a symbol.
func (c *Client) GetPriceHistory(ctx context.Context, params PriceHistoryParams) (*PriceHistory, error) {
	if strings.TrimSpace(params.Symbol) == "" {
		return nil, apperrors.ValidationField("symbol", "symbol must not be empty")
	}
	if params.StartDate != 0 && params.EndDate != 0 && params.StartDate > params.EndDate {
		return nil, apperrors.ValidationField("startDate", "start date must not be after end date")
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", params.Symbol)
	if params.PeriodType != "" {
		q.Set("periodType", params.PeriodType)
	}
	if params.Period > 0 {
		q.Set("period", strconv.Itoa(params.Period))
	}
	if params.FrequencyType != "" {
		q.Set("frequencyType", params.FrequencyType)
	}
	if params.Frequency > 0 {
		q.Set("frequency", strconv.Itoa(params.Frequency))
	}
	if params.StartDate != 0 {
		q.Set("startDate", strconv.FormatInt(params.StartDate, 10))
	}
	if params.EndDate != 0 {
		q.Set("endDate", strconv.FormatInt(params.EndDate, 10))
	}

	var history PriceHistory
	if err := c.transport.Get(ctx, marketDataPath+"/pricehistory", q, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// GetMarketHours retrieves hours for one or more markets on a date.
func (c *Client) GetMarketHours(ctx context.Context, markets []string, date string) (map[string]map[string]MarketHours, error) {
	if len(markets) == 0 {
		return nil, apperrors.ValidationField("markets", "at least one market is required")
	}
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, apperrors.ValidationField("date", "date must be YYYY-MM-DD")
		}
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("markets", strings.Join(markets, ","))
	if date != "" {
		q.Set("date", date)
	}

	hours := make(map[string]map[string]MarketHours)
	if err := c.transport.Get(ctx, marketDataPath+"/markets", q, &hours); err != nil {
		return nil, err
	}
	return hours, nil
}

// GetOptionChain retrieves the options chain for a symbol.
func (c *Client) GetOptionChain(ctx context.Context, params OptionChainParams) (*OptionChain, error) {
	if strings.TrimSpace(params.Symbol) == "" {
		return nil, apperrors.ValidationField("symbol", "symbol must not be empty")
	}
	if err := validateDateRange(params.FromDate, params.ToDate); err != nil {
		return nil, err
	}
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", params.Symbol)
	if params.ContractType != "" {
		q.Set("contractType", params.ContractType)
	}
	if params.StrikeCount > 0 {
		q.Set("strikeCount", strconv.Itoa(params.StrikeCount))
	}
	if params.Strike > 0 {
		q.Set("strike", strconv.FormatFloat(params.Strike, 'f', -1, 64))
	}
	if params.FromDate != "" {
		q.Set("fromDate", params.FromDate)
	}
	if params.ToDate != "" {
		q.Set("toDate", params.ToDate)
	}

	var chain OptionChain
	if err := c.transport.Get(ctx, marketDataPath+"/chains", q, &chain); err != nil {
		return nil, err
	}
	return &chain, nil
}

// validateDateRange checks that both dates parse and are ordered. Empty
// values are allowed.
func validateDateRange(start, end string) error {
	var from, to time.Time
	var err error
	if start != "" {
		from, err = time.Parse("2006-01-02", start)
		if err != nil {
			return apperrors.ValidationField("startDate", "start date must be YYYY-MM-DD")
		}
	}
	if end != "" {
		to, err = time.Parse("2006-01-02", end)
		if err != nil {
			return apperrors.ValidationField("endDate", "end date must be YYYY-MM-DD")
		}
	}
	if start != "" && end != "" && from.After(to) {
		return apperrors.ValidationField("startDate", "start date must not be after end date")
	}
	return nil
}

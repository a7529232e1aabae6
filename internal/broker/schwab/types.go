package schwab

// Wire shapes returned by the broker API. These are transformed into the
// canonical shapes in internal/models by internal/transform; the raw payload
// is retained alongside for audit.

// OAuthTokenResponse from the token endpoint.
type OAuthTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AccountsItem wraps a single account in the accounts list response.
type AccountsItem struct {
	SecuritiesAccount SecuritiesAccount `json:"securitiesAccount"`
}

// SecuritiesAccount is a brokerage account as returned by the trader API.
type SecuritiesAccount struct {
	AccountID       string         `json:"accountId"`
	AccountNumber   string         `json:"accountNumber"`
	Type            string         `json:"type"` // "CASH", "MARGIN"
	Currency        string         `json:"currency,omitempty"`
	Status          string         `json:"status,omitempty"`
	IsClosed        bool           `json:"isClosed,omitempty"`
	RoundTrips      int            `json:"roundTrips,omitempty"`
	Positions       []WirePosition `json:"positions,omitempty"`
	CurrentBalances WireBalances   `json:"currentBalances"`
}

// WireBalances holds account balances on the wire.
type WireBalances struct {
	CashBalance            float64 `json:"cashBalance"`
	LongMarketValue        float64 `json:"longMarketValue"`
	LiquidationValue       float64 `json:"liquidationValue"`
	BuyingPower            float64 `json:"buyingPower"`
	MaintenanceRequirement float64 `json:"maintenanceRequirement,omitempty"`
	MarginBalance          float64 `json:"marginBalance,omitempty"`
}

// WireInstrument identifies a tradeable instrument.
type WireInstrument struct {
	AssetType   string `json:"assetType"`
	Symbol      string `json:"symbol"`
	CUSIP       string `json:"cusip,omitempty"`
	Description string `json:"description,omitempty"`
}

// WirePosition is a holding as returned by the trader API.
type WirePosition struct {
	Instrument             WireInstrument `json:"instrument"`
	LongQuantity           float64        `json:"longQuantity"`
	ShortQuantity          float64        `json:"shortQuantity"`
	AveragePrice           float64        `json:"averagePrice"`
	MarketValue            float64        `json:"marketValue"`
	CurrentDayProfitLoss   float64        `json:"currentDayProfitLoss"`
	LongOpenProfitLoss     float64        `json:"longOpenProfitLoss,omitempty"`
	ShortOpenProfitLoss    float64        `json:"shortOpenProfitLoss,omitempty"`
	PreviousSessionQuantity float64       `json:"previousSessionLongQuantity,omitempty"`
}

// Quantity returns the signed net quantity (short positions negative).
func (p *WirePosition) Quantity() float64 {
	return p.LongQuantity - p.ShortQuantity
}

// UnrealizedPnL returns the open profit/loss across long and short legs.
func (p *WirePosition) UnrealizedPnL() float64 {
	return p.LongOpenProfitLoss + p.ShortOpenProfitLoss
}

// WireTransactionItem carries the instrument leg of a transaction.
type WireTransactionItem struct {
	AccountID  string         `json:"accountId,omitempty"`
	Amount     float64        `json:"amount,omitempty"` // quantity
	Price      float64        `json:"price,omitempty"`
	Cost       float64        `json:"cost,omitempty"`
	Instrument WireInstrument `json:"instrument,omitempty"`
}

// WireTransaction is a transaction as returned by the trader API.
type WireTransaction struct {
	TransactionID   string              `json:"transactionId"`
	Type            string              `json:"type"` // broker vocabulary
	Description     string              `json:"description,omitempty"`
	TransactionDate string              `json:"transactionDate"`
	SettlementDate  string              `json:"settlementDate,omitempty"`
	NetAmount       float64             `json:"netAmount"`
	Fees            map[string]float64  `json:"fees,omitempty"`
	TransactionItem WireTransactionItem `json:"transactionItem,omitempty"`
}

// TotalFees sums all fee components on a transaction.
func (t *WireTransaction) TotalFees() float64 {
	var total float64
	for _, v := range t.Fees {
		total += v
	}
	return total
}

// Quote is a market quote for a single symbol. Batch quote responses map
// symbol to Quote.
type Quote struct {
	Symbol      string  `json:"symbol"`
	AssetType   string  `json:"assetType,omitempty"`
	BidPrice    float64 `json:"bidPrice"`
	AskPrice    float64 `json:"askPrice"`
	LastPrice   float64 `json:"lastPrice"`
	ClosePrice  float64 `json:"closePrice,omitempty"`
	NetChange   float64 `json:"netChange,omitempty"`
	TotalVolume int64   `json:"totalVolume,omitempty"`
	QuoteTime   int64   `json:"quoteTimeInLong,omitempty"`
}

// Candle is a single OHLCV bar.
type Candle struct {
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
	Datetime int64   `json:"datetime"` // epoch millis
}

// PriceHistory is the response of the price-history endpoint.
type PriceHistory struct {
	Symbol  string   `json:"symbol"`
	Candles []Candle `json:"candles"`
	Empty   bool     `json:"empty"`
}

// PriceHistoryParams filters a price history request.
type PriceHistoryParams struct {
	Symbol        string
	PeriodType    string // "day", "month", "year", "ytd"
	Period        int
	FrequencyType string // "minute", "daily", "weekly", "monthly"
	Frequency     int
	StartDate     int64 // epoch millis, optional
	EndDate       int64 // epoch millis, optional
}

// SessionHours is an open/close pair within a trading day.
type SessionHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarketHours describes one market's schedule for a date.
type MarketHours struct {
	Date         string                    `json:"date"`
	MarketType   string                    `json:"marketType"`
	Product      string                    `json:"product,omitempty"`
	IsOpen       bool                      `json:"isOpen"`
	SessionHours map[string][]SessionHours `json:"sessionHours,omitempty"`
}

// OptionContract is a single option in a chain.
type OptionContract struct {
	PutCall        string  `json:"putCall"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description,omitempty"`
	BidPrice       float64 `json:"bid"`
	AskPrice       float64 `json:"ask"`
	LastPrice      float64 `json:"last"`
	StrikePrice    float64 `json:"strikePrice"`
	ExpirationDate int64   `json:"expirationDate"`
	OpenInterest   int64   `json:"openInterest,omitempty"`
	Volatility     float64 `json:"volatility,omitempty"`
	Delta          float64 `json:"delta,omitempty"`
	InTheMoney     bool    `json:"inTheMoney,omitempty"`
}

// OptionChain is the response of the options chain endpoint. The expiry maps
// key by "YYYY-MM-DD:daysToExpiry" then by strike price.
type OptionChain struct {
	Symbol          string                                 `json:"symbol"`
	Status          string                                 `json:"status"`
	UnderlyingPrice float64                                `json:"underlyingPrice,omitempty"`
	CallExpDateMap  map[string]map[string][]OptionContract `json:"callExpDateMap,omitempty"`
	PutExpDateMap   map[string]map[string][]OptionContract `json:"putExpDateMap,omitempty"`
}

// OptionChainParams filters an options chain request.
type OptionChainParams struct {
	Symbol       string
	ContractType string // "CALL", "PUT", "ALL"
	StrikeCount  int
	Strike       float64
	FromDate     string // YYYY-MM-DD
	ToDate       string // YYYY-MM-DD
}

// TransactionParams filters a transactions request.
type TransactionParams struct {
	Type      string // broker transaction type filter
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
	Symbol    string
	PageSize  int // max entries per response, 0 leaves the broker default
}

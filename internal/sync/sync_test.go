package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"brokersync/internal/broker/schwab"
	apperrors "brokersync/internal/errors"
	"brokersync/internal/models"
)

// fakeBroker is a scriptable Client. Per-operation hooks override the
// canned responses; calls are recorded for order assertions.
type fakeBroker struct {
	mu    stdsync.Mutex
	calls []string

	accounts        []schwab.SecuritiesAccount
	lastTxnParams   schwab.TransactionParams
	transactions    map[string][]schwab.TransactionEnvelope
	quotes          map[string]schwab.Quote
	accountErr      map[string]error
	transactionsErr map[string]error
	quotesErr       error
	listErr         error

	block        chan struct{}      // when set, ListAccounts parks until closed
	onGetAccount func(accountID string) // invoked synchronously inside GetAccount
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		transactions:    make(map[string][]schwab.TransactionEnvelope),
		quotes:          make(map[string]schwab.Quote),
		accountErr:      make(map[string]error),
		transactionsErr: make(map[string]error),
	}
}

func (f *fakeBroker) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBroker) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBroker) ListAccounts(ctx context.Context) ([]schwab.SecuritiesAccount, error) {
	f.record("ListAccounts")
	if f.block != nil {
		<-f.block
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.accounts, nil
}

func (f *fakeBroker) GetAccount(ctx context.Context, accountID string) (*schwab.SecuritiesAccount, error) {
	f.record("GetAccount:" + accountID)
	if f.onGetAccount != nil {
		f.onGetAccount(accountID)
	}
	if err := f.accountErr[accountID]; err != nil {
		return nil, err
	}
	for _, acct := range f.accounts {
		if acct.AccountID == accountID {
			a := acct
			return &a, nil
		}
	}
	return nil, apperrors.NotFound("account " + accountID)
}

func (f *fakeBroker) GetTransactions(ctx context.Context, accountID string, params schwab.TransactionParams) ([]schwab.TransactionEnvelope, error) {
	f.record("GetTransactions:" + accountID)
	f.mu.Lock()
	f.lastTxnParams = params
	f.mu.Unlock()
	if err := f.transactionsErr[accountID]; err != nil {
		return nil, err
	}
	return f.transactions[accountID], nil
}

func (f *fakeBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]schwab.Quote, error) {
	f.record(fmt.Sprintf("GetQuotes:%d", len(symbols)))
	if f.quotesErr != nil {
		return nil, f.quotesErr
	}
	return f.quotes, nil
}

func testAccount(id string, totalValue float64) schwab.SecuritiesAccount {
	return schwab.SecuritiesAccount{
		AccountID: id,
		Type:      "MARGIN",
		CurrentBalances: schwab.WireBalances{
			CashBalance:      totalValue / 10,
			LongMarketValue:  totalValue - totalValue/10,
			LiquidationValue: totalValue,
		},
	}
}

func testEnvelope(id, txnType string) schwab.TransactionEnvelope {
	return schwab.TransactionEnvelope{
		Transaction: schwab.WireTransaction{
			TransactionID:   id,
			Type:            txnType,
			TransactionDate: "2025-05-01T10:00:00Z",
			NetAmount:       -100,
		},
	}
}

func fullConfig() models.SyncConfig {
	return models.SyncConfig{
		IncludePositions:    true,
		IncludeTransactions: true,
	}
}

func TestSyncHappyPath(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 50000),
		testAccount("222", 25000),
	}
	broker.transactions["111"] = []schwab.TransactionEnvelope{
		testEnvelope("t1", "BUY"),
		testEnvelope("t2", "DIVIDEND"),
	}
	broker.transactions["222"] = []schwab.TransactionEnvelope{
		testEnvelope("t3", "SELL"),
	}

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if !result.Success {
		t.Errorf("success = false, errors = %v", result.Errors)
	}
	if result.RunID == "" {
		t.Error("run id not assigned")
	}
	if result.AccountsSynced != 2 {
		t.Errorf("accounts synced = %d, want 2", result.AccountsSynced)
	}
	if result.TransactionsSynced != 3 || result.TransactionsNew != 3 {
		t.Errorf("transactions = %d new = %d, want 3/3", result.TransactionsSynced, result.TransactionsNew)
	}
	if result.Stats.TotalValue != 75000 {
		t.Errorf("total value = %v, want 75000", result.Stats.TotalValue)
	}
	if o.State() != StateCompleted {
		t.Errorf("state = %q, want completed", o.State())
	}
}

func TestSyncPassesPageSize(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{testAccount("111", 1000)}

	cfg := fullConfig()
	cfg.PageSize = 25

	o := NewOrchestrator(broker, nil)
	if _, err := o.StartSync(context.Background(), cfg); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	broker.mu.Lock()
	got := broker.lastTxnParams.PageSize
	broker.mu.Unlock()
	if got != 25 {
		t.Errorf("page size = %d, want 25", got)
	}
}

func TestSyncStepFailureIsIsolated(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
		testAccount("333", 1000),
	}
	broker.transactions["111"] = []schwab.TransactionEnvelope{testEnvelope("t1", "BUY")}
	broker.transactionsErr["222"] = apperrors.Transport("transactions unavailable", nil)
	broker.transactions["333"] = []schwab.TransactionEnvelope{testEnvelope("t3", "SELL")}

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	// A failed step degrades the run, it does not abort it.
	if result.AccountsSynced != 3 {
		t.Errorf("accounts synced = %d, want all 3", result.AccountsSynced)
	}
	if len(result.Errors) != 0 {
		t.Errorf("errors = %v, want none", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning for the failed transaction fetch")
	}
	if !result.Success {
		t.Error("run with only warnings must still succeed")
	}
	if result.TransactionsSynced != 2 {
		t.Errorf("transactions synced = %d, want 2", result.TransactionsSynced)
	}
}

func TestSyncAuthFailureAbortsRun(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
		testAccount("333", 1000),
	}
	broker.accountErr["222"] = apperrors.Authentication("token revoked", nil)

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.Success {
		t.Error("run must fail on authentication error")
	}
	if len(result.Errors) == 0 {
		t.Error("expected a fatal error")
	}
	if result.AccountsSynced != 1 {
		t.Errorf("accounts synced = %d, want only the first", result.AccountsSynced)
	}
	// The third account must never be attempted.
	for _, call := range broker.recorded() {
		if call == "GetAccount:333" {
			t.Error("sync continued past an authentication failure")
		}
	}
	if o.State() != StateFailed {
		t.Errorf("state = %q, want failed", o.State())
	}
}

func TestSyncRefreshFailureAbortsRun(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
		testAccount("333", 1000),
	}
	// The error shape a dead refresh token produces mid-run.
	refreshErr := apperrors.Authentication("refresh token rejected",
		fmt.Errorf("%w: %v", schwab.ErrRefreshTokenExpired, errors.New("invalid_grant")))
	broker.accountErr["222"] = refreshErr
	broker.accountErr["333"] = refreshErr

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.Success {
		t.Error("run must fail when the session dies mid-run")
	}
	if result.AccountsSynced != 1 {
		t.Errorf("accounts synced = %d, want only the first", result.AccountsSynced)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v, want exactly the fatal one", result.Errors)
	}
	for _, call := range broker.recorded() {
		if call == "GetAccount:333" {
			t.Error("sync continued past an expired refresh token")
		}
	}
	if o.State() != StateFailed {
		t.Errorf("state = %q, want failed", o.State())
	}
}

func TestSyncAccountEnumerationFailureIsFatal(t *testing.T) {
	broker := newFakeBroker()
	broker.listErr = apperrors.Transport("broker unreachable", nil)

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.Success || len(result.Errors) == 0 {
		t.Errorf("result = success=%v errors=%v, want fatal failure", result.Success, result.Errors)
	}
	if result.AccountsSynced != 0 {
		t.Errorf("accounts synced = %d", result.AccountsSynced)
	}
}

func TestConcurrentSyncRejected(t *testing.T) {
	broker := newFakeBroker()
	broker.block = make(chan struct{})

	o := NewOrchestrator(broker, nil)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		o.StartSync(context.Background(), fullConfig())
		close(done)
	}()
	<-started

	// Wait until the first run is parked inside ListAccounts.
	deadline := time.After(2 * time.Second)
	for o.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("first run never reached running state")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := o.StartSync(context.Background(), fullConfig())
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second StartSync error = %v, want ErrSyncInProgress", err)
	}

	close(broker.block)
	<-done
}

func TestStopSyncIsCooperative(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
	}

	o := NewOrchestrator(broker, nil)

	// Request the stop from inside the first account fetch; the run must
	// finish that account and start no further ones.
	broker.onGetAccount = func(accountID string) {
		if accountID == "111" {
			o.StopSync()
		}
	}

	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.AccountsSynced != 1 {
		t.Errorf("accounts synced = %d, want 1 before the stop took effect", result.AccountsSynced)
	}
	found := false
	for _, w := range result.Warnings {
		if w == "sync stopped by request" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want stop notice", result.Warnings)
	}
	// A stop is not a failure.
	if !result.Success {
		t.Errorf("stopped run failed: %v", result.Errors)
	}
}

func TestSyncCancelledContext(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(ctx, fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if result.Success {
		t.Error("cancelled run reported success")
	}
}

func TestSyncAccountFilter(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
		testAccount("333", 1000),
	}

	cfg := fullConfig()
	cfg.AccountIDs = []string{"222", "999"}

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.AccountsSynced != 1 {
		t.Errorf("accounts synced = %d, want 1", result.AccountsSynced)
	}
	if len(result.Accounts) != 1 || result.Accounts[0].AccountID != "222" {
		t.Errorf("accounts = %+v", result.Accounts)
	}
	// The unknown account surfaces as a warning, not a failure.
	if len(result.Warnings) == 0 {
		t.Error("expected a warning for the unknown requested account")
	}
	if !result.Success {
		t.Error("filtered run should still succeed")
	}
}

func TestSyncSplitsNewAndUpdated(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{
		testAccount("111", 1000),
		testAccount("222", 1000),
	}
	// The same external id appears in both accounts' feeds.
	broker.transactions["111"] = []schwab.TransactionEnvelope{testEnvelope("dup", "BUY")}
	broker.transactions["222"] = []schwab.TransactionEnvelope{
		testEnvelope("dup", "BUY"),
		testEnvelope("fresh", "SELL"),
	}

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if result.TransactionsNew != 2 {
		t.Errorf("new = %d, want 2", result.TransactionsNew)
	}
	if result.TransactionsUpdated != 1 {
		t.Errorf("updated = %d, want 1", result.TransactionsUpdated)
	}
	if result.TransactionsSynced != 3 {
		t.Errorf("synced = %d, want 3", result.TransactionsSynced)
	}
}

func TestSyncUnknownTransactionTypeWarns(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{testAccount("111", 1000)}
	broker.transactions["111"] = []schwab.TransactionEnvelope{
		testEnvelope("t1", "ALIEN_EVENT"),
	}

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if !result.Success {
		t.Error("unknown transaction type must not fail the run")
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a mapping warning")
	}
	if len(result.Transactions) != 1 || result.Transactions[0].Type != models.TransactionOther {
		t.Errorf("transactions = %+v", result.Transactions)
	}
}

func TestSyncSkipsOptionsWhenExcluded(t *testing.T) {
	acct := testAccount("111", 1000)
	acct.Positions = []schwab.WirePosition{
		{Instrument: schwab.WireInstrument{Symbol: "AAPL", AssetType: "EQUITY"}, LongQuantity: 10, MarketValue: 1875},
		{Instrument: schwab.WireInstrument{Symbol: "AAPL 250620C00190000", AssetType: "OPTION"}, LongQuantity: 1, MarketValue: 250},
	}

	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{acct}

	cfg := fullConfig()
	cfg.IncludeOptions = false

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	positions := result.Positions["111"]
	if len(positions) != 1 || positions[0].AssetType != models.AssetEquity {
		t.Errorf("positions = %+v, want only the equity", positions)
	}

	cfg.IncludeOptions = true
	result, _ = o.StartSync(context.Background(), cfg)
	if len(result.Positions["111"]) != 2 {
		t.Errorf("positions = %+v, want both", result.Positions["111"])
	}
}

func TestSyncUpdatePrices(t *testing.T) {
	acct := testAccount("111", 1000)
	acct.Positions = []schwab.WirePosition{
		{Instrument: schwab.WireInstrument{Symbol: "AAPL", AssetType: "EQUITY"}, LongQuantity: 10, MarketValue: 1800},
	}

	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{acct}
	broker.quotes["AAPL"] = schwab.Quote{Symbol: "AAPL", LastPrice: 190}

	cfg := fullConfig()
	cfg.UpdatePrices = true

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	pos := result.Positions["111"][0]
	if pos.CurrentPrice != 190 {
		t.Errorf("current price = %v, want quoted 190", pos.CurrentPrice)
	}
	if pos.MarketValue != 1900 {
		t.Errorf("market value = %v, want 1900", pos.MarketValue)
	}
}

func TestSyncQuoteFailureIsWarning(t *testing.T) {
	acct := testAccount("111", 1000)
	acct.Positions = []schwab.WirePosition{
		{Instrument: schwab.WireInstrument{Symbol: "AAPL", AssetType: "EQUITY"}, LongQuantity: 10, MarketValue: 1800},
	}

	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{acct}
	broker.quotesErr = apperrors.RateLimit("quotes exhausted")

	cfg := fullConfig()
	cfg.UpdatePrices = true

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if !result.Success {
		t.Error("quote failure must degrade, not fail")
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a quote warning")
	}
	// Positions keep their original values.
	if got := result.Positions["111"][0].MarketValue; got != 1800 {
		t.Errorf("market value = %v, want untouched 1800", got)
	}
}

// recordingHistory captures lifecycle callbacks.
type recordingHistory struct {
	mu       stdsync.Mutex
	started  []string
	complete []string
	failed   []string
}

func (h *recordingHistory) Start(runID, syncType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, runID)
	return nil
}

func (h *recordingHistory) Complete(runID string, result *models.SyncResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete = append(h.complete, runID)
	return nil
}

func (h *recordingHistory) Fail(runID, errorMsg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, runID)
	return nil
}

func TestSyncRecordsHistory(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = []schwab.SecuritiesAccount{testAccount("111", 1000)}

	history := &recordingHistory{}
	o := NewOrchestrator(broker, history)

	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if len(history.started) != 1 || history.started[0] != result.RunID {
		t.Errorf("started = %v", history.started)
	}
	if len(history.complete) != 1 || len(history.failed) != 0 {
		t.Errorf("complete = %v failed = %v", history.complete, history.failed)
	}

	// A failing run lands in Fail instead.
	broker.listErr = apperrors.Transport("down", nil)
	result, err = o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if len(history.failed) != 1 || history.failed[0] != result.RunID {
		t.Errorf("failed = %v", history.failed)
	}
}

func TestSyncResultAlwaysReturned(t *testing.T) {
	broker := newFakeBroker()
	broker.listErr = apperrors.Authentication("expired", nil)

	o := NewOrchestrator(broker, nil)
	result, err := o.StartSync(context.Background(), fullConfig())
	if err != nil {
		t.Fatalf("StartSync returned an error instead of a failed result: %v", err)
	}
	if result == nil {
		t.Fatal("result is nil")
	}
	if result.Success {
		t.Error("auth-failed run reported success")
	}
	if result.LastSyncTime.IsZero() {
		t.Error("LastSyncTime not stamped")
	}
}

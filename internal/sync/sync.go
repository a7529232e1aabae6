// Package sync drives the per-account synchronization pipeline against the
// broker API, aggregating statistics and isolating per-account failures.
package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"brokersync/internal/broker/schwab"
	apperrors "brokersync/internal/errors"
	"brokersync/internal/models"
	"brokersync/internal/transform"
)

// State is the orchestrator run state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrSyncInProgress rejects a StartSync call while another run is active.
var ErrSyncInProgress = apperrors.Conflict("a sync is already running")

// Client is the broker operation set the orchestrator depends on.
type Client interface {
	ListAccounts(ctx context.Context) ([]schwab.SecuritiesAccount, error)
	GetAccount(ctx context.Context, accountID string) (*schwab.SecuritiesAccount, error)
	GetTransactions(ctx context.Context, accountID string, params schwab.TransactionParams) ([]schwab.TransactionEnvelope, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]schwab.Quote, error)
}

// HistoryRecorder receives sync run lifecycle events for auditing. All
// methods are best effort; recording failures never affect the run.
type HistoryRecorder interface {
	Start(runID, syncType string) error
	Complete(runID string, result *models.SyncResult) error
	Fail(runID, errorMsg string) error
}

// Orchestrator runs the multi-account sync pipeline. Only one run may be
// active at a time; a concurrent StartSync is rejected synchronously.
type Orchestrator struct {
	client  Client
	history HistoryRecorder

	mu         sync.Mutex
	state      State
	lastResult *models.SyncResult

	stopRequested atomic.Bool
}

// NewOrchestrator creates an Orchestrator. history may be nil.
func NewOrchestrator(client Client, history HistoryRecorder) *Orchestrator {
	return &Orchestrator{
		client:  client,
		history: history,
		state:   StateIdle,
	}
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the result of the most recent completed run, or nil.
func (o *Orchestrator) LastResult() *models.SyncResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// StopSync requests cooperative cancellation of the active run. In-flight
// network calls are not aborted; no further steps are started.
func (o *Orchestrator) StopSync() {
	o.stopRequested.Store(true)
}

// StartSync runs one synchronization to completion and returns its result.
// The caller always receives a SyncResult, even on partial failure; the
// returned error is non-nil only when the run is rejected outright.
func (o *Orchestrator) StartSync(ctx context.Context, cfg models.SyncConfig) (*models.SyncResult, error) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.stopRequested.Store(false)

	result := &models.SyncResult{
		RunID:     uuid.NewString(),
		Positions: make(map[string][]models.Position),
	}

	if o.history != nil {
		if err := o.history.Start(result.RunID, "full"); err != nil {
			log.Printf("[Sync] Failed to record sync start: %v", err)
		}
	}

	o.run(ctx, cfg, result)

	result.Success = len(result.Errors) == 0
	result.LastSyncTime = time.Now()
	if cfg.AutoSyncInterval > 0 {
		next := result.LastSyncTime.Add(cfg.AutoSyncInterval)
		result.NextSyncTime = &next
	}

	o.mu.Lock()
	if result.Success {
		o.state = StateCompleted
	} else {
		o.state = StateFailed
	}
	o.lastResult = result
	o.mu.Unlock()

	if o.history != nil {
		if result.Success {
			if err := o.history.Complete(result.RunID, result); err != nil {
				log.Printf("[Sync] Failed to record sync completion: %v", err)
			}
		} else {
			if err := o.history.Fail(result.RunID, joinErrors(result.Errors)); err != nil {
				log.Printf("[Sync] Failed to record sync failure: %v", err)
			}
		}
	}

	log.Printf("[Sync] Run %s finished: success=%v accounts=%d positions=%d transactions=%d errors=%d warnings=%d",
		result.RunID, result.Success, result.AccountsSynced, result.PositionsSynced,
		result.TransactionsSynced, len(result.Errors), len(result.Warnings))

	return result, nil
}

// run executes the pipeline, mutating result in place.
func (o *Orchestrator) run(ctx context.Context, cfg models.SyncConfig, result *models.SyncResult) {
	accounts, err := o.client.ListAccounts(ctx)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("authentication failed: %v", err))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("enumerating accounts: %v", err))
		}
		return
	}

	targets := filterAccounts(accounts, cfg.AccountIDs)
	if len(cfg.AccountIDs) > 0 && len(targets) < len(cfg.AccountIDs) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d requested accounts not found at broker", len(cfg.AccountIDs)-len(targets), len(cfg.AccountIDs)))
	}

	for _, target := range targets {
		if o.aborted(ctx, result) {
			return
		}
		if !o.syncAccount(ctx, cfg, target.AccountID, result) {
			// Fatal error inside the account pipeline: abort the whole run,
			// no further accounts are attempted.
			return
		}
	}

	// Structural validation over the assembled batch. Findings are
	// data-level and recoverable, so they land in warnings.
	validation := transform.Validate(result.Accounts, result.Positions)
	for _, e := range validation.Errors {
		result.Warnings = append(result.Warnings, "validation: "+e)
	}
	result.Warnings = append(result.Warnings, validation.Warnings...)
}

// syncAccount runs the per-account pipeline. Returns false only on a fatal
// (run-aborting) failure; per-step failures are recorded as warnings and the
// pipeline continues.
func (o *Orchestrator) syncAccount(ctx context.Context, cfg models.SyncConfig, accountID string, result *models.SyncResult) bool {
	log.Printf("[Sync] Syncing account %s", accountID)

	// Step 1: account detail. Failure skips the remaining steps for this
	// account but never stops the run, unless it is an auth failure.
	account, err := o.client.GetAccount(ctx, accountID)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("authentication failed on account %s: %v", accountID, err))
			return false
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("account %s: fetching detail: %v", accountID, err))
		return true
	}

	canonical := transform.TransformAccount(*account, time.Now())
	result.Accounts = append(result.Accounts, canonical)
	result.AccountsSynced++
	result.Stats.TotalValue += canonical.Balances.TotalValue
	result.Stats.TotalCash += canonical.Balances.Cash
	result.Stats.TotalSecurities += canonical.Balances.Securities

	// Step 2: positions.
	var positions []models.Position
	if cfg.IncludePositions {
		if o.aborted(ctx, result) {
			return true
		}
		for _, wire := range account.Positions {
			if !cfg.IncludeOptions && transform.MapAssetType(wire.Instrument.AssetType) == models.AssetOption {
				continue
			}
			positions = append(positions, transform.TransformPosition(wire))
		}
		result.Positions[accountID] = positions
		result.PositionsSynced += len(positions)
		result.Stats.PositionCount += len(positions)
	}

	// Step 3: transactions, scoped to [FromDate, ToDate].
	if cfg.IncludeTransactions {
		if o.aborted(ctx, result) {
			return true
		}
		if !o.syncTransactions(ctx, cfg, accountID, result) {
			return false
		}
	}

	// Step 4: refresh prices for the account's equity symbols.
	if cfg.UpdatePrices && len(positions) > 0 {
		if o.aborted(ctx, result) {
			return true
		}
		if !o.updatePrices(ctx, accountID, result) {
			return false
		}
	}

	// Step 5: derived performance metrics from current balances.
	if cfg.CalculatePerformance {
		metrics := calculatePerformance(canonical, result.Positions[accountID])
		log.Printf("[Sync] Account %s: total=%.2f cash=%.1f%% securities=%.1f%% positions=%d",
			accountID, metrics.TotalValue, metrics.CashPct, metrics.SecuritiesPct, metrics.PositionCount)
	}

	return true
}

// syncTransactions fetches and transforms transactions for one account.
// Returns false on a fatal auth failure.
func (o *Orchestrator) syncTransactions(ctx context.Context, cfg models.SyncConfig, accountID string, result *models.SyncResult) bool {
	params := schwab.TransactionParams{PageSize: cfg.PageSize}
	if !cfg.FromDate.IsZero() {
		params.StartDate = cfg.FromDate.Format("2006-01-02")
	}
	if !cfg.ToDate.IsZero() {
		params.EndDate = cfg.ToDate.Format("2006-01-02")
	}

	envelopes, err := o.client.GetTransactions(ctx, accountID, params)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("authentication failed on account %s: %v", accountID, err))
			return false
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("account %s: fetching transactions: %v", accountID, err))
		return true
	}

	seen := make(map[string]bool, len(result.Transactions))
	for _, txn := range result.Transactions {
		seen[txn.ExternalID] = true
	}

	for _, env := range envelopes {
		canonical, warnings := transform.TransformTransaction(env, accountID)
		result.Warnings = append(result.Warnings, warnings...)

		if canonical.ExternalID != "" && seen[canonical.ExternalID] {
			result.TransactionsUpdated++
		} else {
			result.TransactionsNew++
		}
		seen[canonical.ExternalID] = true

		result.Transactions = append(result.Transactions, canonical)
		result.TransactionsSynced++
		result.Stats.TransactionCount++

		if !canonical.TransactionDate.IsZero() {
			trackDateRange(&result.Stats, canonical.TransactionDate)
		}
	}

	return true
}

// updatePrices batch-quotes the account's equity symbols and refreshes the
// synced positions. Returns false on a fatal auth failure.
func (o *Orchestrator) updatePrices(ctx context.Context, accountID string, result *models.SyncResult) bool {
	positions := result.Positions[accountID]

	var symbols []string
	for _, pos := range positions {
		if pos.AssetType == models.AssetEquity && pos.Symbol != "" {
			symbols = append(symbols, pos.Symbol)
		}
	}
	if len(symbols) == 0 {
		return true
	}

	quotes, err := o.client.GetQuotes(ctx, symbols)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("authentication failed on account %s: %v", accountID, err))
			return false
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("account %s: fetching quotes: %v", accountID, err))
		return true
	}

	for i := range positions {
		quote, ok := quotes[positions[i].Symbol]
		if !ok || quote.LastPrice <= 0 {
			continue
		}
		positions[i].CurrentPrice = quote.LastPrice
		positions[i].MarketValue = positions[i].Quantity * quote.LastPrice
	}
	result.Positions[accountID] = positions

	return true
}

// aborted reports whether the run should stop between steps, recording the
// reason once.
func (o *Orchestrator) aborted(ctx context.Context, result *models.SyncResult) bool {
	if o.stopRequested.Load() {
		if len(result.Warnings) == 0 || result.Warnings[len(result.Warnings)-1] != "sync stopped by request" {
			result.Warnings = append(result.Warnings, "sync stopped by request")
		}
		return true
	}
	if ctx.Err() != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sync cancelled: %v", ctx.Err()))
		return true
	}
	return false
}

// calculatePerformance derives metrics from an account's balances and
// positions.
func calculatePerformance(account models.Account, positions []models.Position) models.PerformanceMetrics {
	metrics := models.PerformanceMetrics{
		AccountID:     account.AccountID,
		TotalValue:    account.Balances.TotalValue,
		PositionCount: len(positions),
	}

	if account.Balances.TotalValue > 0 {
		metrics.CashPct = account.Balances.Cash / account.Balances.TotalValue * 100
		metrics.SecuritiesPct = account.Balances.Securities / account.Balances.TotalValue * 100
		if account.Balances.MarginBalance != 0 {
			metrics.MarginUtilized = account.Balances.MarginBalance / account.Balances.TotalValue * 100
		}
	}

	var largest float64
	for _, pos := range positions {
		metrics.UnrealizedPnL += pos.UnrealizedPnL
		metrics.DayPnL += pos.DayPnL
		if pos.MarketValue > largest {
			largest = pos.MarketValue
			metrics.LargestPosition = pos.Symbol
		}
	}

	return metrics
}

// trackDateRange widens the observed transaction date range.
func trackDateRange(stats *models.DataStats, date time.Time) {
	if stats.OldestTxnDate == nil || date.Before(*stats.OldestTxnDate) {
		d := date
		stats.OldestTxnDate = &d
	}
	if stats.NewestTxnDate == nil || date.After(*stats.NewestTxnDate) {
		d := date
		stats.NewestTxnDate = &d
	}
}

// filterAccounts narrows the broker's account list to the configured
// targets, preserving broker order. Empty targets means all accounts.
func filterAccounts(accounts []schwab.SecuritiesAccount, targetIDs []string) []schwab.SecuritiesAccount {
	if len(targetIDs) == 0 {
		return accounts
	}
	wanted := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		wanted[id] = true
	}
	var filtered []schwab.SecuritiesAccount
	for _, acct := range accounts {
		if wanted[acct.AccountID] {
			filtered = append(filtered, acct)
		}
	}
	return filtered
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return msg
}

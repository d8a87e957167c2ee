package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/metrics"
	"github.com/cardledger/backend/internal/models"
)

// NotificationSink is the push channel the orchestrator publishes to.
// Fire-and-forget, at-most-once: no acknowledgement is awaited and consumers
// treat the REST API as the source of truth.
type NotificationSink interface {
	Publish(topic string, payload interface{})
}

// Topics published by the orchestrator.
const (
	TopicContextUpdated = "context.updated"
	TopicNoChanges      = "sync.no_changes"
)

// OrchestratorConfig tunes the sync orchestrator.
type OrchestratorConfig struct {
	// Interval between scheduled runs.
	Interval time.Duration
	// Workers bounds concurrent feed lookups per run.
	Workers int
	// CallTimeout bounds each individual feed lookup.
	CallTimeout time.Duration
	// RunDeadline bounds a whole scheduled run. A run that exceeds it is
	// cut off and the next trigger proceeds normally.
	RunDeadline time.Duration
	// MinManualBatch is the smallest card set a manual trigger syncs
	// immediately; smaller sets are parked for the next scheduled run.
	MinManualBatch int
	// MaxSaveAttempts bounds optimistic-concurrency retries per context.
	MaxSaveAttempts int
}

// DefaultOrchestratorConfig returns the defaults used when config values
// are absent.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Interval:        15 * time.Minute,
		Workers:         5,
		CallTimeout:     5 * time.Second,
		RunDeadline:     15 * time.Minute,
		MinManualBatch:  5,
		MaxSaveAttempts: 3,
	}
}

// Orchestrator drives the periodic price-synchronization runs.
//
// All per-run state lives on the SyncRun record passed through the call
// chain; the orchestrator itself only holds the single-flight flag and the
// deferred manual watch-list.
type Orchestrator struct {
	store  ContextStore
	source PriceSource
	sink   NotificationSink
	cfg    OrchestratorConfig

	// AfterRun, when set, is invoked after every terminal run state.
	// Used for gauge refreshes that need the database.
	AfterRun func()

	mu        sync.Mutex
	running   bool
	lastRunAt time.Time
	lastRun   *models.SyncRun

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// SyncStatus is the externally visible orchestrator state.
type SyncStatus struct {
	Running          bool            `json:"running"`
	LastRunAt        time.Time       `json:"last_run_at"`
	NextRunAt        time.Time       `json:"next_run_at"`
	PendingWatchlist int             `json:"pending_watchlist"`
	LastRun          *models.SyncRun `json:"last_run,omitempty"`
}

// ManualSyncResult reports what happened to a manual trigger.
type ManualSyncResult struct {
	Status  string          `json:"status"` // "completed", "deferred", "busy", "failed"
	Message string          `json:"message,omitempty"`
	Pending int             `json:"pending,omitempty"`
	Run     *models.SyncRun `json:"run,omitempty"`
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(store ContextStore, source PriceSource, sink NotificationSink, cfg OrchestratorConfig) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = cfg.Interval
	}
	if cfg.MinManualBatch <= 0 {
		cfg.MinManualBatch = def.MinManualBatch
	}
	if cfg.MaxSaveAttempts <= 0 {
		cfg.MaxSaveAttempts = def.MaxSaveAttempts
	}

	return &Orchestrator{
		store:   store,
		source:  source,
		sink:    sink,
		cfg:     cfg,
		pending: make(map[string]struct{}),
	}
}

// Start begins the scheduled sync loop. Runs immediately on startup, then on
// every interval tick, until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	log.Printf("Sync orchestrator started: interval %v, %d workers", o.cfg.Interval, o.cfg.Workers)

	o.runScheduled(ctx)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sync orchestrator stopping...")
			return
		case <-ticker.C:
			o.runScheduled(ctx)
		}
	}
}

// runScheduled executes one scheduled all-contexts run under the deadline.
func (o *Orchestrator) runScheduled(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()

	if drained := o.drainPending(); drained > 0 {
		log.Printf("Sync orchestrator: merging %d parked watch-list cards into scheduled run", drained)
	}

	run, err := o.RunSync(runCtx, models.TriggerScheduled, SyncScope{})
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Println("Sync orchestrator: previous run still in progress, skipping scheduled trigger")
	case err != nil:
		log.Printf("Sync orchestrator: scheduled run failed: %v", err)
	case len(run.Errors) > 0:
		log.Printf("Sync orchestrator: run %s completed with %d errors (%d/%d cards updated)",
			run.ID, len(run.Errors), run.CardsUpdated, run.CardsChecked)
	default:
		log.Printf("Sync orchestrator: run %s completed (%d/%d cards updated, %d contexts)",
			run.ID, run.CardsUpdated, run.CardsChecked, run.ContextsUpdated)
	}
}

// RequestSync handles a manual trigger for a specific watch-list. Below the
// minimum batch size the request is accepted but parked; the cards ride
// along with the next scheduled run instead of starting a costly run of
// their own.
func (o *Orchestrator) RequestSync(ctx context.Context, cardIDs []string, userID string) ManualSyncResult {
	ids := dedupeIDs(cardIDs)

	if len(ids) < o.cfg.MinManualBatch {
		pending := o.park(ids)
		log.Printf("Sync orchestrator: manual trigger below batch threshold (%d < %d), parked for next run",
			len(ids), o.cfg.MinManualBatch)
		return ManualSyncResult{
			Status: "deferred",
			Message: fmt.Sprintf("batch of %d below minimum of %d; cards queued for the next scheduled sync",
				len(ids), o.cfg.MinManualBatch),
			Pending: pending,
		}
	}

	run, err := o.RunSync(ctx, models.TriggerManual, SyncScope{UserID: userID, CardIDs: ids})
	if errors.Is(err, ErrRunInProgress) {
		return ManualSyncResult{
			Status:  "busy",
			Message: "a sync run is already in progress; current prices will be fresh when it finishes",
		}
	}
	if err != nil {
		return ManualSyncResult{Status: "failed", Message: err.Error(), Run: run}
	}
	return ManualSyncResult{Status: "completed", Run: run}
}

// RunSync executes one synchronization run. Single-flight: a trigger while a
// run is active returns ErrRunInProgress and is logged at info, never queued.
func (o *Orchestrator) RunSync(ctx context.Context, trigger models.RunTrigger, scope SyncScope) (*models.SyncRun, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		metrics.SyncRunsSkipped.Inc()
		log.Printf("Sync orchestrator: %s trigger skipped, run already in progress", trigger)
		return nil, ErrRunInProgress
	}
	o.running = true
	o.mu.Unlock()

	run := models.NewSyncRun(trigger)
	defer func() {
		o.mu.Lock()
		o.running = false
		o.lastRunAt = time.Now()
		o.lastRun = run
		o.mu.Unlock()
		if o.AfterRun != nil {
			o.AfterRun()
		}
	}()

	if err := o.store.SaveSyncRun(run); err != nil {
		log.Printf("Sync orchestrator: failed to persist run start: %v", err)
	}

	contexts, err := o.store.FindContextsNeedingSync(scope)
	if err != nil {
		// The only unrecoverable case: nothing could be loaded at all.
		run.Fail(err)
		o.finishRun(run)
		return run, fmt.Errorf("failed to load contexts: %w", err)
	}

	cardIDs := distinctCardIDs(contexts, scope.CardIDs)
	run.CardsChecked = len(cardIDs)

	quotes, failures := o.fetchPrices(ctx, cardIDs)
	for cardID, ferr := range failures {
		run.AddError(cardID, "", "fetch", ferr)
		metrics.SyncErrorsTotal.WithLabelValues("fetch").Inc()
		log.Printf("Sync orchestrator: card %s skipped this run: %v", cardID, ferr)
	}

	contextsChanged := 0
	for i := range contexts {
		changed, cerr := o.syncContext(&contexts[i], quotes, scope, run)
		if cerr != nil {
			run.AddError("", contexts[i].ID, "persist", cerr)
			metrics.SyncErrorsTotal.WithLabelValues("persist").Inc()
			log.Printf("Sync orchestrator: context %s abandoned this run: %v", contexts[i].ID, cerr)
			continue
		}
		if changed > 0 {
			contextsChanged++
		}
	}
	run.ContextsUpdated = contextsChanged

	if contextsChanged == 0 {
		o.sink.Publish(TopicNoChanges, map[string]interface{}{
			"run_id":        run.ID,
			"cards_checked": run.CardsChecked,
		})
	}

	run.Complete()
	o.finishRun(run)
	return run, nil
}

// finishRun persists the terminal run record and updates metrics.
func (o *Orchestrator) finishRun(run *models.SyncRun) {
	if err := o.store.SaveSyncRun(run); err != nil {
		log.Printf("Sync orchestrator: failed to persist run %s: %v", run.ID, err)
	}

	metrics.SyncRunsTotal.WithLabelValues(string(run.State)).Inc()
	metrics.SyncRunDuration.Observe(run.Duration().Seconds())
	metrics.CardsChecked.Add(float64(run.CardsChecked))
	metrics.CardsUpdated.Add(float64(run.CardsUpdated))
}

// fetchPrices looks up every distinct card with bounded concurrency and a
// per-call timeout. A single card's failure never aborts the run; it lands
// in the failures map instead.
func (o *Orchestrator) fetchPrices(ctx context.Context, cardIDs []string) (map[string]PriceQuote, map[string]error) {
	quotes := make(map[string]PriceQuote, len(cardIDs))
	failures := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.Workers)

	for _, cardID := range cardIDs {
		wg.Add(1)
		go func(cardID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()

			quote, err := o.source.GetCardPrice(callCtx, cardID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[cardID] = err
				return
			}
			quotes[cardID] = quote
		}(cardID)
	}

	wg.Wait()
	return quotes, failures
}

// syncContext applies fetched quotes to one context's cards and persists the
// result when anything moved. Returns the number of cards updated.
//
// A context is only recomputed and written after all of its card lookups
// have resolved; steps 4-6 of the run only write on detected change, which
// is what makes back-to-back runs idempotent.
func (o *Orchestrator) syncContext(c *models.Context, quotes map[string]PriceQuote, scope SyncScope, run *models.SyncRun) (int, error) {
	var staged []models.PricePoint
	var changedCards []string

	for i := range c.Cards {
		card := &c.Cards[i]
		if len(scope.CardIDs) > 0 && !containsID(scope.CardIDs, card.CardID) {
			continue
		}
		quote, ok := quotes[card.CardID]
		if !ok {
			continue
		}

		var oldPrice *decimal.Decimal
		if card.HasPrice() {
			amount := card.Latest.Amount
			oldPrice = &amount
		}
		delta, err := CalculateDelta(oldPrice, quote.Amount)
		if err != nil {
			run.AddError(card.CardID, c.ID, "delta", err)
			metrics.SyncErrorsTotal.WithLabelValues("delta").Inc()
			continue
		}
		if !delta.Changed && !delta.IsNew {
			continue
		}

		snapshot := models.PriceSnapshot{Amount: quote.Amount, ObservedAt: quote.AsOf}
		card.ApplyPrice(snapshot)
		changedCards = append(changedCards, card.CardID)

		staged = append(staged, models.PricePoint{
			CardID:     card.CardID,
			Series:     models.SeriesLive,
			Amount:     quote.Amount,
			ObservedAt: quote.AsOf,
		})
		if ShouldAppendDaily(card.DailyPointAt, quote.AsOf) {
			asOf := quote.AsOf
			card.DailyPointAt = &asOf
			staged = append(staged, models.PricePoint{
				CardID:     card.CardID,
				Series:     models.SeriesDaily,
				Amount:     quote.Amount,
				ObservedAt: quote.AsOf,
			})
		}
	}

	if len(changedCards) == 0 {
		return 0, nil
	}

	RecomputeAggregates(c)

	saved, err := o.saveWithRetry(c)
	if err != nil {
		return 0, err
	}

	// History appends follow a successful context save so the live series
	// tail always matches the persisted latest price.
	for _, point := range staged {
		if err := o.store.AppendPricePoint(point); err != nil {
			run.AddError(point.CardID, saved.ID, "history", err)
			metrics.SyncErrorsTotal.WithLabelValues("history").Inc()
		}
	}
	if err := o.store.AppendContextValuePoint(models.ContextValuePoint{
		ContextID:  saved.ID,
		Series:     models.SeriesLive,
		Amount:     saved.TotalPrice,
		ObservedAt: time.Now(),
	}); err != nil {
		run.AddError("", saved.ID, "history", err)
		metrics.SyncErrorsTotal.WithLabelValues("history").Inc()
	}

	run.CardsUpdated += len(changedCards)
	o.publishContextUpdated(saved, changedCards, run)
	return len(changedCards), nil
}

// saveWithRetry persists a context with compare-and-swap semantics. On a
// version conflict it re-reads the context, reapplies only the price fields
// onto the fresh copy (a concurrent quantity edit must win), recomputes the
// aggregates, and tries again up to the configured bound.
func (o *Orchestrator) saveWithRetry(c *models.Context) (*models.Context, error) {
	current := c
	for attempt := 1; ; attempt++ {
		err := o.store.SaveContext(current, current.Version)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if attempt >= o.cfg.MaxSaveAttempts {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		fresh, rerr := o.store.ReloadContext(current.ID)
		if rerr != nil {
			return nil, fmt.Errorf("re-read after conflict failed: %w", rerr)
		}
		mergePriceFields(fresh, current)
		RecomputeAggregates(fresh)
		log.Printf("Sync orchestrator: version conflict on context %s, retrying merge (attempt %d)",
			current.ID, attempt+1)
		current = fresh
	}
}

// mergePriceFields copies sync-owned price fields from the synced copy onto
// a freshly loaded context. Quantities and card membership come from the
// fresh copy; a card the user removed mid-run stays removed.
func mergePriceFields(fresh, synced *models.Context) {
	for i := range fresh.Cards {
		card := &fresh.Cards[i]
		if from := synced.CardByID(card.CardID); from != nil {
			card.Latest = from.Latest
			card.LastSaved = from.LastSaved
			card.DailyPointAt = from.DailyPointAt
		}
	}
	fresh.PreviousDayTotalPrice = synced.PreviousDayTotalPrice
}

// publishContextUpdated emits the per-context update event with new totals
// and the changed card IDs.
func (o *Orchestrator) publishContextUpdated(c *models.Context, changedCards []string, run *models.SyncRun) {
	sort.Strings(changedCards)

	o.sink.Publish(TopicContextUpdated, map[string]interface{}{
		"run_id":             run.ID,
		"context_id":         c.ID,
		"user_id":            c.UserID,
		"kind":               c.Kind,
		"total_price":        c.TotalPrice,
		"total_quantity":     c.TotalQuantity,
		"price_difference":   c.PriceDifference,
		"price_change":       c.PriceChange,
		"daily_price_change": c.DailyPriceChange,
		"changed_cards":      changedCards,
	})
}

// GetStatus returns the current orchestrator status.
func (o *Orchestrator) GetStatus() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pendingMu.Lock()
	pending := len(o.pending)
	o.pendingMu.Unlock()

	return SyncStatus{
		Running:          o.running,
		LastRunAt:        o.lastRunAt,
		NextRunAt:        o.lastRunAt.Add(o.cfg.Interval),
		PendingWatchlist: pending,
		LastRun:          o.lastRun,
	}
}

// park adds card IDs to the deferred watch-list, returning its new size.
func (o *Orchestrator) park(cardIDs []string) int {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	for _, id := range cardIDs {
		o.pending[id] = struct{}{}
	}
	metrics.PendingWatchlistSize.Set(float64(len(o.pending)))
	return len(o.pending)
}

// drainPending clears the deferred watch-list. Scheduled runs cover every
// context, so clearing is the merge.
func (o *Orchestrator) drainPending() int {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	n := len(o.pending)
	o.pending = make(map[string]struct{})
	metrics.PendingWatchlistSize.Set(0)
	return n
}

// distinctCardIDs builds the deduplicated card set across all loaded
// contexts, optionally restricted to a requested subset. A card owned by
// many contexts is priced once per run.
func distinctCardIDs(contexts []models.Context, only []string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for i := range contexts {
		for j := range contexts[i].Cards {
			id := contexts[i].Cards[j].CardID
			if len(only) > 0 && !containsID(only, id) {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

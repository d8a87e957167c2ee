package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/models"
)

// memStore is an in-memory ContextStore with version checking, so the
// orchestrator's compare-and-swap path behaves like the gorm one.
type memStore struct {
	mu          sync.Mutex
	contexts    map[string]*models.Context
	points      []models.PricePoint
	valuePoints []models.ContextValuePoint
	runs        []*models.SyncRun
	saveCalls   int

	// conflictsLeft forces SaveContext to report a version conflict this
	// many times before behaving normally.
	conflictsLeft int
	// onConflict mutates the stored context when a forced conflict fires,
	// simulating the concurrent writer.
	onConflict func(*models.Context)
}

func newMemStore(contexts ...*models.Context) *memStore {
	s := &memStore{contexts: make(map[string]*models.Context)}
	for _, c := range contexts {
		s.contexts[c.ID] = c
	}
	return s
}

func copyContext(c *models.Context) *models.Context {
	dup := *c
	dup.Cards = make([]models.TrackedCard, len(c.Cards))
	copy(dup.Cards, c.Cards)
	return &dup
}

func (s *memStore) FindContextsNeedingSync(scope SyncScope) ([]models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Context
	for _, c := range s.contexts {
		if scope.UserID != "" && c.UserID != scope.UserID {
			continue
		}
		out = append(out, *copyContext(c))
	}
	return out, nil
}

func (s *memStore) ReloadContext(id string) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	return copyContext(c), nil
}

func (s *memStore) SaveContext(ctx *models.Context, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++

	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		if s.onConflict != nil {
			s.onConflict(s.contexts[ctx.ID])
			s.contexts[ctx.ID].Version++
		}
		return ErrVersionConflict
	}

	stored, ok := s.contexts[ctx.ID]
	if !ok {
		return ErrContextNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	saved := copyContext(ctx)
	saved.Version = expectedVersion + 1
	s.contexts[ctx.ID] = saved
	ctx.Version = saved.Version
	return nil
}

func (s *memStore) AppendPricePoint(point models.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, point)
	return nil
}

func (s *memStore) AppendContextValuePoint(point models.ContextValuePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valuePoints = append(s.valuePoints, point)
	return nil
}

func (s *memStore) SaveSyncRun(run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// memSource serves fixed prices and can fail specific cards.
type memSource struct {
	mu     sync.Mutex
	prices map[string]float64
	fail   map[string]error
	calls  int
}

func (s *memSource) GetCardPrice(ctx context.Context, cardID string) (PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.fail[cardID]; ok {
		return PriceQuote{}, err
	}
	price, ok := s.prices[cardID]
	if !ok {
		return PriceQuote{}, ErrSourceUnavailable
	}
	return PriceQuote{
		CardID: cardID,
		Amount: decimal.NewFromFloat(price),
		AsOf:   time.Now(),
	}, nil
}

type memSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *memSink) Publish(topic string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
}

func (s *memSink) published(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func testContext(id string, cards ...models.TrackedCard) *models.Context {
	for i := range cards {
		cards[i].ContextID = id
	}
	return &models.Context{
		ID:      id,
		UserID:  "user-1",
		Kind:    models.KindCollection,
		Version: 1,
		Cards:   cards,
	}
}

func pricedCard(cardID string, qty int, amount float64) models.TrackedCard {
	card := models.TrackedCard{CardID: cardID, Quantity: qty}
	at := time.Now().Add(-time.Hour)
	card.ApplyPrice(models.PriceSnapshot{Amount: decimal.NewFromFloat(amount), ObservedAt: at})
	card.DailyPointAt = &at
	return card
}

func newTestOrchestrator(store ContextStore, source PriceSource, sink NotificationSink) *Orchestrator {
	return NewOrchestrator(store, source, sink, OrchestratorConfig{
		Workers:         2,
		CallTimeout:     time.Second,
		MinManualBatch:  3,
		MaxSaveAttempts: 3,
	})
}

func TestRunSyncUpdatesPrices(t *testing.T) {
	store := newMemStore(testContext("ctx-1",
		pricedCard("card-a", 2, 10.00),
		models.TrackedCard{CardID: "card-b", Quantity: 1},
	))
	source := &memSource{prices: map[string]float64{"card-a": 12.00, "card-b": 5.00}}
	sink := &memSink{}
	o := newTestOrchestrator(store, source, sink)

	run, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.State != models.RunStateCompleted {
		t.Errorf("expected completed run, got %s", run.State)
	}
	if run.CardsChecked != 2 || run.CardsUpdated != 2 {
		t.Errorf("expected 2 checked / 2 updated, got %d / %d", run.CardsChecked, run.CardsUpdated)
	}
	if len(run.Errors) != 0 {
		t.Errorf("expected no errors, got %v", run.Errors)
	}

	saved, _ := store.ReloadContext("ctx-1")
	if !saved.TotalPrice.Equal(decimal.NewFromFloat(29.00)) {
		t.Errorf("expected total 29.00 (2*12 + 5), got %s", saved.TotalPrice)
	}
	if saved.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", saved.Version)
	}

	cardA := saved.CardByID("card-a")
	if !cardA.Latest.Amount.Equal(decimal.NewFromFloat(12.00)) {
		t.Errorf("expected card-a latest 12.00, got %s", cardA.Latest.Amount)
	}
	if !cardA.LastSaved.Amount.Equal(decimal.NewFromFloat(10.00)) {
		t.Errorf("expected card-a last saved 10.00, got %s", cardA.LastSaved.Amount)
	}

	// card-a was inside its daily window; card-b is new and gets both series
	var live, daily int
	for _, p := range store.points {
		switch p.Series {
		case models.SeriesLive:
			live++
		case models.SeriesDaily:
			daily++
		}
	}
	if live != 2 || daily != 1 {
		t.Errorf("expected 2 live / 1 daily point, got %d / %d", live, daily)
	}
	if len(store.valuePoints) != 1 {
		t.Errorf("expected 1 context value point, got %d", len(store.valuePoints))
	}

	if !sink.published(TopicContextUpdated) {
		t.Error("expected context.updated event")
	}
}

func TestRunSyncIdempotent(t *testing.T) {
	store := newMemStore(testContext("ctx-1", pricedCard("card-a", 1, 10.00)))
	source := &memSource{prices: map[string]float64{"card-a": 12.00}}
	sink := &memSink{}
	o := newTestOrchestrator(store, source, sink)

	if _, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	savesAfterFirst := store.saveCalls
	pointsAfterFirst := len(store.points)

	// Same prices again: nothing should be written
	run, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if run.CardsUpdated != 0 {
		t.Errorf("expected 0 updates on unchanged prices, got %d", run.CardsUpdated)
	}
	if store.saveCalls != savesAfterFirst {
		t.Errorf("second run wrote contexts: %d saves then %d", savesAfterFirst, store.saveCalls)
	}
	if len(store.points) != pointsAfterFirst {
		t.Errorf("second run appended history: %d points then %d", pointsAfterFirst, len(store.points))
	}
	if !sink.published(TopicNoChanges) {
		t.Error("expected sync.no_changes event")
	}
}

func TestRunSyncFailureIsolation(t *testing.T) {
	store := newMemStore(testContext("ctx-1",
		pricedCard("card-good", 1, 10.00),
		pricedCard("card-bad", 1, 20.00),
	))
	source := &memSource{
		prices: map[string]float64{"card-good": 11.00},
		fail:   map[string]error{"card-bad": ErrSourceUnavailable},
	}
	o := newTestOrchestrator(store, source, &memSink{})

	run, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.State != models.RunStateCompleted {
		t.Errorf("one failed card must not fail the run, got state %s", run.State)
	}
	if run.CardsUpdated != 1 {
		t.Errorf("expected the healthy card to update, got %d", run.CardsUpdated)
	}
	if len(run.Errors) != 1 || run.Errors[0].Stage != "fetch" || run.Errors[0].CardID != "card-bad" {
		t.Errorf("expected one fetch error for card-bad, got %v", run.Errors)
	}

	saved, _ := store.ReloadContext("ctx-1")
	if !saved.CardByID("card-good").Latest.Amount.Equal(decimal.NewFromFloat(11.00)) {
		t.Error("healthy card should have the new price")
	}
	if !saved.CardByID("card-bad").Latest.Amount.Equal(decimal.NewFromFloat(20.00)) {
		t.Error("failed card should keep its previous price")
	}
}

func TestRunSyncSingleFlight(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &memSource{}, &memSink{})

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	_, err := o.RunSync(context.Background(), models.TriggerManual, SyncScope{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}
}

func TestRequestSyncDefersSmallBatches(t *testing.T) {
	store := newMemStore(testContext("ctx-1", pricedCard("card-a", 1, 10.00)))
	source := &memSource{prices: map[string]float64{"card-a": 10.00}}
	o := newTestOrchestrator(store, source, &memSink{})

	result := o.RequestSync(context.Background(), []string{"card-a", "card-b"}, "user-1")
	if result.Status != "deferred" {
		t.Fatalf("expected deferred, got %s", result.Status)
	}
	if result.Pending != 2 {
		t.Errorf("expected 2 parked cards, got %d", result.Pending)
	}
	if source.calls != 0 {
		t.Errorf("deferred trigger must not hit the feed, got %d calls", source.calls)
	}

	// Duplicate IDs do not grow the watch-list
	result = o.RequestSync(context.Background(), []string{"card-b", "card-b"}, "user-1")
	if result.Pending != 2 {
		t.Errorf("expected parked set to stay at 2, got %d", result.Pending)
	}

	if got := o.GetStatus().PendingWatchlist; got != 2 {
		t.Errorf("status should report 2 pending, got %d", got)
	}

	// The next scheduled run absorbs the watch-list
	if n := o.drainPending(); n != 2 {
		t.Errorf("expected drain of 2, got %d", n)
	}
	if got := o.GetStatus().PendingWatchlist; got != 0 {
		t.Errorf("watch-list should be empty after drain, got %d", got)
	}
}

func TestRequestSyncScopedToWatchlist(t *testing.T) {
	store := newMemStore(testContext("ctx-1",
		pricedCard("card-a", 1, 10.00),
		pricedCard("card-b", 1, 20.00),
		pricedCard("card-c", 1, 30.00),
		pricedCard("card-d", 1, 40.00),
	))
	source := &memSource{prices: map[string]float64{
		"card-a": 11.00, "card-b": 21.00, "card-c": 31.00, "card-d": 41.00,
	}}
	o := newTestOrchestrator(store, source, &memSink{})

	result := o.RequestSync(context.Background(), []string{"card-a", "card-b", "card-c"}, "user-1")
	if result.Status != "completed" {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Message)
	}
	if result.Run.CardsChecked != 3 {
		t.Errorf("expected 3 cards checked, got %d", result.Run.CardsChecked)
	}

	saved, _ := store.ReloadContext("ctx-1")
	if !saved.CardByID("card-a").Latest.Amount.Equal(decimal.NewFromFloat(11.00)) {
		t.Error("scoped card should be refreshed")
	}
	if !saved.CardByID("card-d").Latest.Amount.Equal(decimal.NewFromFloat(40.00)) {
		t.Error("card outside the watch-list must keep its price")
	}
}

func TestSaveWithRetryMergesConflict(t *testing.T) {
	ctx := testContext("ctx-1", pricedCard("card-a", 1, 10.00))
	store := newMemStore(ctx)
	// A concurrent writer bumps card-a's quantity while the run is saving
	store.conflictsLeft = 1
	store.onConflict = func(stored *models.Context) {
		stored.CardByID("card-a").Quantity = 4
	}

	source := &memSource{prices: map[string]float64{"card-a": 12.00}}
	o := newTestOrchestrator(store, source, &memSink{})

	run, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Errors) != 0 {
		t.Fatalf("expected conflict to be retried, got errors %v", run.Errors)
	}

	saved, _ := store.ReloadContext("ctx-1")
	card := saved.CardByID("card-a")
	if card.Quantity != 4 {
		t.Errorf("concurrent quantity edit must win, got %d", card.Quantity)
	}
	if !card.Latest.Amount.Equal(decimal.NewFromFloat(12.00)) {
		t.Errorf("synced price must survive the merge, got %s", card.Latest.Amount)
	}
	if !saved.TotalPrice.Equal(decimal.NewFromFloat(48.00)) {
		t.Errorf("aggregates must reflect the merge (4*12), got %s", saved.TotalPrice)
	}
}

func TestRunSyncPricesSharedCardOnce(t *testing.T) {
	store := newMemStore(
		testContext("ctx-1", pricedCard("card-a", 1, 10.00)),
		testContext("ctx-2", pricedCard("card-a", 2, 10.00)),
	)
	source := &memSource{prices: map[string]float64{"card-a": 12.00}}
	o := newTestOrchestrator(store, source, &memSink{})

	run, err := o.RunSync(context.Background(), models.TriggerScheduled, SyncScope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.calls != 1 {
		t.Errorf("shared card should be priced once per run, got %d calls", source.calls)
	}
	if run.ContextsUpdated != 2 {
		t.Errorf("both contexts should update, got %d", run.ContextsUpdated)
	}
}

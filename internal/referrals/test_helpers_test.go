package referrals

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testStoreOptions struct {
	generator   CodeGenerator
	maxAttempts int
	recorder    Recorder
}

func newTestStore(t *testing.T, options testStoreOptions) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:referrals_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&AttributionCode{}, &AttributionEdge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:    db,
		Generator:   options.generator,
		MaxAttempts: options.maxAttempts,
		Clock:       newSteppingClock(time.Unix(1700000000, 0).UTC()).Now,
		IDProvider:  NewUUIDProvider(),
		Recorder:    options.recorder,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func newTestCoordinator(t *testing.T, options testStoreOptions) (*Coordinator, *Store, *gorm.DB) {
	t.Helper()
	store, db := newTestStore(t, options)
	coordinator, err := NewCoordinator(CoordinatorConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator, store, db
}

func seedCode(t *testing.T, db *gorm.DB, ownerID, code string) AttributionCode {
	t.Helper()
	record := AttributionCode{
		Code:      code,
		OwnerID:   ownerID,
		CreatedAt: time.Unix(1690000000, 0).UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed code %s: %v", code, err)
	}
	return record
}

func loadCode(t *testing.T, db *gorm.DB, ownerID string) AttributionCode {
	t.Helper()
	var record AttributionCode
	if err := db.Where("owner_id = ?", ownerID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load code for %s: %v", ownerID, err)
	}
	return record
}

func countEdges(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&AttributionEdge{}).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("failed to count edges: %v", err)
	}
	return count
}

// steppingClock advances one second per reading so edge ordering is deterministic.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{current: start}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

// sequenceGenerator replays codes in order and repeats the last one once exhausted.
type sequenceGenerator struct {
	mu    sync.Mutex
	codes []string
	calls int
}

func (g *sequenceGenerator) Generate(int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) == 0 {
		return "", errors.New("no codes configured")
	}
	index := g.calls
	if index >= len(g.codes) {
		index = len(g.codes) - 1
	}
	g.calls++
	return g.codes[index], nil
}

func (g *sequenceGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type countingRecorder struct {
	mu         sync.Mutex
	issued     int
	collisions int
	outcomes   map[string]int
	reconciled int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}}
}

func (r *countingRecorder) CodeIssued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
}

func (r *countingRecorder) CodeCollision() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collisions++
}

func (r *countingRecorder) ReferralProcessed(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) CountsReconciled(rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled += rows
}

func serviceErrorCode(t *testing.T, err error) string {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	return serviceErr.Code()
}

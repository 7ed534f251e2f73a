package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/pricing"
	"settlement-service/internal/provider"
	"settlement-service/internal/queue"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store *store.Store
	queue *queue.Queue
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	util.SetLogger(zap.NewNop())

	dsn := filepath.Join(t.TempDir(), "service.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	s, err := store.NewStore(store.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())

	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	q := queue.NewQueue(s, queue.DefaultConfig())
	q.SetClock(clock.Now)
	return &testEnv{store: s, queue: q, clock: clock}
}

func (e *testEnv) catalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c, err := pricing.NewCatalog(e.store, 16)
	require.NoError(t, err)
	return c
}

// events returns the queued notification events of a type
func (e *testEnv) events(t *testing.T, eventType string) []models.Event {
	t.Helper()
	jobs, err := e.store.ListJobs(context.Background(), models.JobTypeNotification, models.JobStatusQueued)
	require.NoError(t, err)

	var out []models.Event
	for _, job := range jobs {
		var ev models.Event
		require.NoError(t, job.Decode(&ev))
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) createAuction(t *testing.T, status string, startingPrice int64) *models.Auction {
	t.Helper()
	now := e.clock.Now()
	a := &models.Auction{
		ID:            uuid.NewString(),
		VehicleID:     "vehicle-" + uuid.NewString()[:8],
		StartingPrice: startingPrice,
		Status:        status,
		StartAt:       now.Add(-time.Hour),
		EndAt:         now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, e.store.CreateAuction(context.Background(), a))
	return a
}

type fakeProvider struct {
	mu       sync.Mutex
	statuses map[string]*provider.IntentStatus
	err      error
	calls    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: map[string]*provider.IntentStatus{}}
}

func (p *fakeProvider) Set(id, status string, amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = &provider.IntentStatus{ID: id, Status: status, Amount: amount}
}

func (p *fakeProvider) GetIntentStatus(ctx context.Context, id string) (*provider.IntentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	st, ok := p.statuses[id]
	if !ok {
		return &provider.IntentStatus{ID: id, Status: provider.StatusPending}, nil
	}
	cp := *st
	return &cp, nil
}

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "store.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	s, err := NewStore(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate())
	return s
}

func newAuction(now time.Time, status string) *models.Auction {
	return &models.Auction{
		ID:            uuid.NewString(),
		VehicleID:     "vehicle-1",
		StartingPrice: 1000,
		Status:        status,
		StartAt:       now.Add(-time.Hour),
		EndAt:         now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateAndGetAuction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := newAuction(now, models.AuctionStatusActive)
	require.NoError(t, s.CreateAuction(ctx, a))

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.StartingPrice, got.StartingPrice)
	assert.Nil(t, got.CurrentHighestBid)
	assert.True(t, got.EndAt.Equal(a.EndAt))

	_, err = s.GetAuction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSetHighestBid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := newAuction(now, models.AuctionStatusActive)
	require.NoError(t, s.CreateAuction(ctx, a))

	ok, err := s.CompareAndSetHighestBid(ctx, a.ID, "alice", 1000, now)
	require.NoError(t, err)
	assert.False(t, ok, "starting price itself must not win")

	ok, err = s.CompareAndSetHighestBid(ctx, a.ID, "alice", 1200, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetHighestBid(ctx, a.ID, "bob", 1200, now)
	require.NoError(t, err)
	assert.False(t, ok, "equal amount must not take the lead")

	ok, err = s.CompareAndSetHighestBid(ctx, a.ID, "bob", 1300, a.EndAt)
	require.NoError(t, err)
	assert.False(t, ok, "bid at end time is late")

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentHighestBid)
	assert.Equal(t, int64(1200), *got.CurrentHighestBid)
	assert.Equal(t, "alice", *got.CurrentHighestBidderID)
	assert.Equal(t, 1, got.BidCount)
}

func TestAuctionTransitionsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := newAuction(now, models.AuctionStatusUpcoming)
	a.StartAt = now.Add(-time.Minute)
	require.NoError(t, s.CreateAuction(ctx, a))

	n, err := s.ActivateDueAuctions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.TransitionAuction(ctx, a.ID, models.AuctionStatusActive, models.AuctionStatusEnded, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionAuction(ctx, a.ID, models.AuctionStatusActive, models.AuctionStatusEnded, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CancelAuction(ctx, a.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "ended auctions cannot be cancelled")

	ok, err = s.SettleAuction(ctx, a.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SettleAuction(ctx, a.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := newAuction(now, models.AuctionStatusActive)
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.CreateAuction(ctx, a); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetAuction(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := &models.Job{
		ID: uuid.NewString(), Type: models.JobTypePlaceBid, Payload: `{}`,
		Status: models.JobStatusQueued, MaxAttempts: 2,
		AvailableAt: now, CreatedAt: now, UpdatedAt: now,
	}
	inserted, err := s.InsertJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, inserted)

	claimed, err := s.ClaimJob(ctx, models.JobTypePlaceBid, "w1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)

	again, err := s.ClaimJob(ctx, models.JobTypePlaceBid, "w2", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "leased job must not be handed out twice")

	reclaimed, err := s.ClaimJob(ctx, models.JobTypePlaceBid, "w2", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "expired lease makes the job reclaimable")
	assert.Equal(t, 2, reclaimed.Attempts)

	ok, err := s.CompleteJob(ctx, job.ID, "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "stale worker cannot complete a reclaimed job")

	ok, err = s.CompleteJob(ctx, job.ID, "w2", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertJobDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	key := "settle-auction:a1"

	first := &models.Job{ID: uuid.NewString(), Type: models.JobTypeSettleAuction, Payload: `{}`,
		Status: models.JobStatusQueued, MaxAttempts: 3, AvailableAt: now, DedupeKey: &key, CreatedAt: now, UpdatedAt: now}
	second := *first
	second.ID = uuid.NewString()

	inserted, err := s.InsertJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertJob(ctx, &second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, max := range []int{1, 3} {
		job := &models.Job{ID: uuid.NewString(), Type: models.JobTypeNotification, Payload: `{}`,
			Status: models.JobStatusQueued, MaxAttempts: max, AvailableAt: now, CreatedAt: now, UpdatedAt: now}
		_, err := s.InsertJob(ctx, job)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, models.JobTypeNotification, "w1", now, time.Second)
		require.NoError(t, err)
	}

	requeued, buried, err := s.RequeueExpiredLeases(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Equal(t, int64(1), buried)

	dead, err := s.ListDeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	ok, err := s.RetryDeadJob(ctx, dead[0].ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserveTicketNumbersConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	max := 50
	round := &models.RaffleRound{ID: uuid.NewString(), Status: models.RoundStatusOpen, TicketPrice: 5, MaxTickets: &max, OpenedAt: now}
	require.NoError(t, s.CreateRound(ctx, round))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		totals []int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total, ok, err := s.ReserveTicketNumbers(ctx, round.ID, 2)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				totals = append(totals, total)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, totals, 25, "cap of 50 allows exactly 25 pairs")
	seen := map[int]bool{}
	for _, total := range totals {
		assert.False(t, seen[total], "each reservation gets a distinct range")
		seen[total] = true
	}

	got, err := s.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.TotalTicketsSold)
}

func TestOnlyOneOpenRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateRound(ctx, &models.RaffleRound{ID: uuid.NewString(), Status: models.RoundStatusOpen, TicketPrice: 5, OpenedAt: now}))
	err := s.CreateRound(ctx, &models.RaffleRound{ID: uuid.NewString(), Status: models.RoundStatusOpen, TicketPrice: 5, OpenedAt: now})
	assert.Error(t, err)
}

func TestPublishPackageIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	max := int64(9999)
	pkg := &models.Package{ID: "classified-basic", Type: models.PackageTypeClassified, Amount: 50,
		Tiers: []models.PricingTier{{Min: 0, Max: &max, Fee: 20}}, DurationDays: 30, PublishedAt: time.Now()}

	inserted, err := s.PublishPackage(ctx, pkg)
	require.NoError(t, err)
	assert.True(t, inserted)

	changed := *pkg
	changed.Amount = 999
	inserted, err = s.PublishPackage(ctx, &changed)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetPackageByType(ctx, models.PackageTypeClassified)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Amount)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, max, *got.Tiers[0].Max)
}

func TestExpireAbandonedDraftsSkipsPaidAndClearing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.PublishPackage(ctx, &models.Package{ID: "p1", Type: models.PackageTypeClassified, Amount: 10, DurationDays: 7, PublishedAt: now})
	require.NoError(t, err)

	old := now.Add(-48 * time.Hour)
	unpaid := &models.Listing{ID: "l-unpaid", SellerID: "s", PackageID: "p1", Status: models.ListingStatusDraft, CreatedAt: old, UpdatedAt: old}
	paid := &models.Listing{ID: "l-paid", SellerID: "s", PackageID: "p1", Status: models.ListingStatusPendingPayment, CreatedAt: old, UpdatedAt: old}
	clearing := &models.Listing{ID: "l-clearing", SellerID: "s", PackageID: "p1", Status: models.ListingStatusPendingPayment, CreatedAt: old, UpdatedAt: old}
	stuck := &models.Listing{ID: "l-stuck", SellerID: "s", PackageID: "p1", Status: models.ListingStatusPendingPayment, CreatedAt: old, UpdatedAt: old}
	for _, l := range []*models.Listing{unpaid, paid, clearing, stuck} {
		require.NoError(t, s.CreateListing(ctx, l))
	}

	recent := now.Add(-10 * time.Minute)
	intents := []*models.PaymentIntent{
		{ID: "pi_1", RelatedEntityID: "l-paid", Status: models.PaymentStatusVerified, CreatedAt: old},
		{ID: "pi_2", RelatedEntityID: "l-clearing", Status: models.PaymentStatusPending, CreatedAt: recent},
		{ID: "pi_3", RelatedEntityID: "l-stuck", Status: models.PaymentStatusPending, CreatedAt: old},
	}
	for _, pi := range intents {
		pi.Purpose, pi.Amount, pi.UpdatedAt = models.PurposeListingPackage, 10, pi.CreatedAt
		_, err := s.UpsertPaymentIntent(ctx, pi)
		require.NoError(t, err)
	}

	n, err := s.ExpireAbandonedDrafts(ctx, now.Add(-24*time.Hour), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for id, want := range map[string]string{
		"l-clearing": models.ListingStatusPendingPayment,
		"l-stuck":    models.ListingStatusExpired,
	} {
		got, err := s.GetListing(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	got, err := s.GetListing(ctx, "l-unpaid")
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusExpired, got.Status)

	got, err = s.GetListing(ctx, "l-paid")
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusPendingPayment, got.Status)
}

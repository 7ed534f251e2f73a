package service

import (
	"context"
	"testing"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuctionService(env *testEnv) *AuctionService {
	svc := NewAuctionService(env.store, env.queue)
	svc.SetClock(env.clock.Now)
	return svc
}

func TestTickActivatesAndEndsAuctions(t *testing.T) {
	env := newTestEnv(t)
	svc := newAuctionService(env)
	ctx := context.Background()

	upcoming := env.createAuction(t, models.AuctionStatusUpcoming, 1000)
	now := env.clock.Now()
	future := &models.Auction{
		ID:            "future-auction",
		VehicleID:     "vehicle-future",
		StartingPrice: 1000,
		Status:        models.AuctionStatusUpcoming,
		StartAt:       now.Add(10 * time.Minute),
		EndAt:         now.Add(3 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, env.store.CreateAuction(ctx, future))

	report, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Activated)
	assert.Zero(t, report.Ended)

	got, err := svc.GetAuction(ctx, upcoming.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, got.Status)

	env.clock.Advance(time.Hour)
	report, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Activated, "the future auction starts")
	assert.Equal(t, 1, report.Ended)

	got, err = svc.GetAuction(ctx, upcoming.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusEnded, got.Status)

	jobs, err := env.store.ListJobs(ctx, models.JobTypeSettleAuction, models.JobStatusQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var payload models.SettleAuctionPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, upcoming.ID, payload.AuctionID)

	report, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Ended, "ending is idempotent")
	n, err := env.store.CountJobs(ctx, models.JobTypeSettleAuction, models.JobStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettleRecordsWinnerAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	auctions := newAuctionService(env)
	bids := newBidService(env)
	ctx := context.Background()

	auction := env.createAuction(t, models.AuctionStatusActive, 1000)
	_, err := bids.PlaceBid(ctx, "", auction.ID, "alice", 1200)
	require.NoError(t, err)
	_, err = bids.PlaceBid(ctx, "", auction.ID, "bob", 1500)
	require.NoError(t, err)

	settled, err := auctions.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, settled.Status, "active auctions are not settled")

	env.clock.Advance(time.Hour)
	ended, err := auctions.End(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, ended)

	settled, err = auctions.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusSettled, settled.Status)
	require.NotNil(t, settled.WinnerID)
	assert.Equal(t, "bob", *settled.WinnerID)
	assert.NotNil(t, settled.SettledAt)

	again, err := auctions.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusSettled, again.Status)

	settledEvents := env.events(t, models.EventTypeAuctionSettled)
	require.Len(t, settledEvents, 1, "settlement notifies once")
	require.NotNil(t, settledEvents[0].WinnerID)
	assert.Equal(t, "bob", *settledEvents[0].WinnerID)

	payment := env.events(t, models.EventTypePaymentRequired)
	require.Len(t, payment, 1)
	assert.Equal(t, "bob", payment[0].BidderID)
	assert.Equal(t, int64(1500), payment[0].Amount)
}

func TestSettleWithoutBids(t *testing.T) {
	env := newTestEnv(t)
	svc := newAuctionService(env)
	ctx := context.Background()

	auction := env.createAuction(t, models.AuctionStatusActive, 1000)
	env.clock.Advance(2 * time.Hour)
	_, err := svc.Tick(ctx)
	require.NoError(t, err)

	settled, err := svc.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusSettled, settled.Status)
	assert.Nil(t, settled.WinnerID)

	events := env.events(t, models.EventTypeAuctionSettled)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].WinnerID)
	assert.Empty(t, env.events(t, models.EventTypePaymentRequired))
}

func TestCancelAuction(t *testing.T) {
	env := newTestEnv(t)
	svc := newAuctionService(env)
	ctx := context.Background()

	auction := env.createAuction(t, models.AuctionStatusActive, 1000)
	require.NoError(t, svc.Cancel(ctx, auction.ID))

	err := svc.Cancel(ctx, auction.ID)
	assert.Equal(t, apperr.ReasonAuctionNotActive, apperr.Reason(err))

	err = svc.Cancel(ctx, "missing")
	assert.Equal(t, apperr.ReasonAuctionNotFound, apperr.Reason(err))

	got, err := svc.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusCancelled, got.Status)
}

package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBidService(env *testEnv) *BidService {
	svc := NewBidService(env.store, env.queue)
	svc.SetClock(env.clock.Now)
	return svc
}

func TestPlaceBidScenario(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()
	auction := env.createAuction(t, models.AuctionStatusActive, 1000)

	res, err := svc.PlaceBid(ctx, "", auction.ID, "alice", 1000)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, apperr.ReasonBidTooLow, res.Reason)

	res, err = svc.PlaceBid(ctx, "", auction.ID, "alice", 1200)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// bob's job read the auction while it still showed 1200
	stale, err := env.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)

	res, err = svc.PlaceBid(ctx, "", auction.ID, "carol", 1300)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	res, err = svc.apply(ctx, "bid-bob", stale, "bob", 1300)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, apperr.ReasonOutbid, res.Reason)

	got, err := env.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), *got.CurrentHighestBid)
	assert.Equal(t, "carol", *got.CurrentHighestBidderID)

	bids, err := svc.ListBids(ctx, auction.ID)
	require.NoError(t, err)
	require.Len(t, bids, 4, "rejected bids are recorded too")
	for _, b := range bids {
		if !b.Accepted {
			assert.NotEmpty(t, b.RejectReason)
		}
	}

	outbid := env.events(t, models.EventTypeBidOutbid)
	require.Len(t, outbid, 1)
	assert.Equal(t, "alice", outbid[0].BidderID)
	assert.Equal(t, auction.ID, outbid[0].AuctionID)
}

func TestPlaceBidRedeliveryRecordsOneBid(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()
	auction := env.createAuction(t, models.AuctionStatusActive, 1000)

	first, err := svc.PlaceBid(ctx, "job-alice", auction.ID, "alice", 1200)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	_, err = svc.PlaceBid(ctx, "job-bob", auction.ID, "bob", 1300)
	require.NoError(t, err)

	// the lease on alice's job expired after commit and it runs again
	again, err := svc.PlaceBid(ctx, "job-alice", auction.ID, "alice", 1200)
	require.NoError(t, err)
	assert.True(t, again.Accepted)
	assert.Empty(t, again.Reason)
	assert.Equal(t, first.Bid.ID, again.Bid.ID)

	low, err := svc.PlaceBid(ctx, "job-carol", auction.ID, "carol", 900)
	require.NoError(t, err)
	require.False(t, low.Accepted)
	low, err = svc.PlaceBid(ctx, "job-carol", auction.ID, "carol", 900)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonBidTooLow, low.Reason)

	bids, err := svc.ListBids(ctx, auction.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 3)

	got, err := env.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.BidCount)
	assert.Equal(t, "bob", *got.CurrentHighestBidderID)
	assert.Len(t, env.events(t, models.EventTypeBidOutbid), 1)
}

func TestPlaceBidRejections(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()

	res, err := svc.PlaceBid(ctx, "", "missing", "alice", 5000)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonAuctionNotFound, res.Reason)

	upcoming := env.createAuction(t, models.AuctionStatusUpcoming, 1000)
	res, err = svc.PlaceBid(ctx, "", upcoming.ID, "alice", 5000)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonAuctionNotActive, res.Reason)

	active := env.createAuction(t, models.AuctionStatusActive, 1000)
	env.clock.Advance(time.Hour)
	res, err = svc.PlaceBid(ctx, "", active.ID, "alice", 5000)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonAuctionEnded, res.Reason, "a bid exactly at endAt is late")

	got, err := env.store.GetAuction(ctx, active.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentHighestBid)
}

func TestPrecheck(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()
	auction := env.createAuction(t, models.AuctionStatusActive, 1000)

	_, err := svc.Precheck(ctx, auction.ID, 900)
	assert.Equal(t, apperr.ReasonBidTooLow, apperr.Reason(err))

	_, err = svc.Precheck(ctx, "missing", 900)
	assert.Equal(t, apperr.ReasonAuctionNotFound, apperr.Reason(err))

	_, err = svc.Precheck(ctx, auction.ID, 1001)
	assert.NoError(t, err)

	bids, err := svc.ListBids(ctx, auction.ID)
	require.NoError(t, err)
	assert.Empty(t, bids, "precheck records nothing")
}

func TestConcurrentEqualBidsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()
	auction := env.createAuction(t, models.AuctionStatusActive, 1000)

	_, err := svc.PlaceBid(ctx, "", auction.ID, "alice", 1200)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*BidResult, 2)
	for i, bidder := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, bidder string) {
			defer wg.Done()
			res, err := svc.PlaceBid(ctx, "", auction.ID, bidder, 1300)
			assert.NoError(t, err)
			results[i] = res
		}(i, bidder)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Accepted {
			accepted++
		} else {
			assert.Contains(t, []string{apperr.ReasonOutbid, apperr.ReasonBidTooLow}, res.Reason)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestConcurrentBidsEndWithMaximum(t *testing.T) {
	env := newTestEnv(t)
	svc := newBidService(env)
	ctx := context.Background()
	auction := env.createAuction(t, models.AuctionStatusActive, 100)

	perm := rand.New(rand.NewSource(42)).Perm(10_000)
	amounts := make([]int64, 40)
	var highest int64
	maxBidder := ""
	for i := range amounts {
		amounts[i] = 101 + int64(perm[i])
		if amounts[i] > highest {
			highest = amounts[i]
			maxBidder = fmt.Sprintf("bidder-%d", i)
		}
	}

	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			_, err := svc.PlaceBid(ctx, "", auction.ID, fmt.Sprintf("bidder-%d", i), amount)
			assert.NoError(t, err)
		}(i, amount)
	}
	wg.Wait()

	got, err := env.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentHighestBid)
	assert.Equal(t, highest, *got.CurrentHighestBid)

	bids, err := svc.ListBids(ctx, auction.ID)
	require.NoError(t, err)
	assert.Len(t, bids, len(amounts))

	leaders := 0
	for _, b := range bids {
		if b.Accepted && b.Amount == highest {
			leaders++
			assert.Equal(t, maxBidder, b.BidderID)
		}
	}
	assert.Equal(t, 1, leaders)
	assert.Equal(t, maxBidder, *got.CurrentHighestBidderID)
}

package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRaffleService(env *testEnv) *RaffleService {
	svc := NewRaffleService(env.store, env.queue)
	svc.SetClock(env.clock.Now)
	return svc
}

func ticketNumbers(tickets []models.RaffleTicket) []int {
	out := make([]int, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.TicketNumber)
	}
	return out
}

func TestPurchaseTicketAllocatesConsecutiveNumbers(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	round, err := svc.OpenRound(ctx, 500, nil)
	require.NoError(t, err)

	first, err := svc.PurchaseTicket(ctx, "p1", round.ID, "alice", 3)
	require.NoError(t, err)
	require.Equal(t, models.PurchaseStatusReserved, first.Status)
	assert.Equal(t, 1, *first.FirstTicketNumber)
	assert.Equal(t, 3, *first.LastTicketNumber)

	second, err := svc.PurchaseTicket(ctx, "p2", round.ID, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, *second.FirstTicketNumber)
	assert.Equal(t, 5, *second.LastTicketNumber)

	tickets, err := svc.GetTickets(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ticketNumbers(tickets))
	for _, ticket := range tickets[:3] {
		assert.Equal(t, "alice", ticket.BuyerID)
		assert.Equal(t, models.TicketStatusReserved, ticket.Status)
	}

	stored, err := env.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.TotalTicketsSold)
}

func TestPurchaseTicketRejections(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	capacity := 4
	round, err := svc.OpenRound(ctx, 500, &capacity)
	require.NoError(t, err)

	p, err := svc.PurchaseTicket(ctx, "p-zero", round.ID, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusRejected, p.Status)
	assert.Equal(t, apperr.ReasonInvalidQuantity, p.RejectReason)

	p, err = svc.PurchaseTicket(ctx, "p-missing", "no-such-round", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonRoundNotFound, p.RejectReason)

	p, err = svc.PurchaseTicket(ctx, "p-big", round.ID, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonSoldOut, p.RejectReason)
	assert.Nil(t, p.FirstTicketNumber)

	p, err = svc.PurchaseTicket(ctx, "p-ok", round.ID, "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusReserved, p.Status)

	require.NoError(t, svc.CloseRound(ctx, round.ID))
	p, err = svc.PurchaseTicket(ctx, "p-late", round.ID, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonRoundNotOpen, p.RejectReason)

	tickets, err := svc.GetTickets(ctx, round.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 4, "rejected purchases allocate nothing")

	stored, err := svc.GetPurchase(ctx, "p-late")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusRejected, stored.Status)
}

func TestRafflePrecheck(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	capacity := 2
	round, err := svc.OpenRound(ctx, 500, &capacity)
	require.NoError(t, err)

	_, err = svc.Precheck(ctx, round.ID, 0)
	assert.Equal(t, apperr.ReasonInvalidQuantity, apperr.Reason(err))
	_, err = svc.Precheck(ctx, "nope", 1)
	assert.Equal(t, apperr.ReasonRoundNotFound, apperr.Reason(err))
	_, err = svc.Precheck(ctx, round.ID, 3)
	assert.Equal(t, apperr.ReasonSoldOut, apperr.Reason(err))
	_, err = svc.Precheck(ctx, round.ID, 2)
	assert.NoError(t, err)
}

func TestPurchaseTicketIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	round, err := svc.OpenRound(ctx, 500, nil)
	require.NoError(t, err)

	first, err := svc.PurchaseTicket(ctx, "p1", round.ID, "alice", 2)
	require.NoError(t, err)
	again, err := svc.PurchaseTicket(ctx, "p1", round.ID, "alice", 2)
	require.NoError(t, err)

	assert.Equal(t, *first.FirstTicketNumber, *again.FirstTicketNumber)
	tickets, err := svc.GetTickets(ctx, round.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
}

func TestConcurrentPurchasesHaveNoGaps(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	round, err := svc.OpenRound(ctx, 500, nil)
	require.NoError(t, err)

	const buyers = 20
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every second buyer retries the same purchase ID
			id := fmt.Sprintf("p%d", i/2)
			_, err := svc.PurchaseTicket(ctx, id, round.ID, fmt.Sprintf("buyer-%d", i/2), 1+(i/2)%3)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tickets, err := svc.GetTickets(ctx, round.ID)
	require.NoError(t, err)
	numbers := ticketNumbers(tickets)
	sort.Ints(numbers)

	want := 0
	for i := 0; i < buyers/2; i++ {
		want += 1 + i%3
	}
	require.Len(t, numbers, want)
	for i, n := range numbers {
		assert.Equal(t, i+1, n)
	}

	stored, err := env.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, want, stored.TotalTicketsSold)
}

func TestOpenRoundAllowsOneOpenRound(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	round, err := svc.OpenRound(ctx, 500, nil)
	require.NoError(t, err)

	_, err = svc.OpenRound(ctx, 500, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.OpenRound(ctx, 0, nil)
	assert.Equal(t, apperr.ReasonInvalidPayload, apperr.Reason(err))

	require.NoError(t, svc.CloseRound(ctx, round.ID))
	assert.Equal(t, apperr.ReasonRoundNotOpen, apperr.Reason(svc.CloseRound(ctx, round.ID)))

	_, err = svc.OpenRound(ctx, 700, nil)
	assert.NoError(t, err)
}

func TestDrawRoundPicksAmongConfirmedTickets(t *testing.T) {
	env := newTestEnv(t)
	svc := newRaffleService(env)
	ctx := context.Background()

	round, err := svc.OpenRound(ctx, 500, nil)
	require.NoError(t, err)
	_, err = svc.PurchaseTicket(ctx, "p1", round.ID, "alice", 2)
	require.NoError(t, err)
	_, err = svc.PurchaseTicket(ctx, "p2", round.ID, "bob", 3)
	require.NoError(t, err)

	_, err = svc.DrawRound(ctx, round.ID)
	assert.Equal(t, apperr.ReasonRoundNotOpen, apperr.Reason(err), "open rounds cannot be drawn")

	require.NoError(t, svc.CloseRound(ctx, round.ID))
	_, err = svc.DrawRound(ctx, round.ID)
	assert.ErrorIs(t, err, ErrNoConfirmedTickets)

	ok, err := env.store.TransitionPurchase(ctx, "p2",
		models.PurchaseStatusReserved, models.PurchaseStatusConfirmed, models.TicketStatusConfirmed, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	var candidates int
	svc.randInt = func(n int) (int, error) {
		candidates = n
		return n - 1, nil
	}
	winner, err := svc.DrawRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, candidates)
	assert.Equal(t, "bob", winner.BuyerID)
	assert.Equal(t, 5, winner.TicketNumber)

	stored, err := env.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusDrawn, stored.Status)
	require.NotNil(t, stored.WinningTicketID)
	assert.Equal(t, winner.ID, *stored.WinningTicketID)

	drawn := env.events(t, models.EventTypeRaffleDrawn)
	require.Len(t, drawn, 1)
	assert.Equal(t, winner.ID, drawn[0].TicketID)

	_, err = svc.DrawRound(ctx, round.ID)
	assert.True(t, apperr.IsValidation(err), "a round is drawn once")
}

package models

// Job types. The queue is partitioned by these values.
const (
	JobTypePlaceBid           = "place-bid"
	JobTypeSettleAuction      = "settle-auction"
	JobTypeVerifyPayment      = "verify-payment"
	JobTypePurchaseTicket     = "purchase-ticket"
	JobTypeReleaseReservation = "release-reservation"
	JobTypeNotification       = "notification"
)

// PlaceBidPayload is enqueued by the API layer. BidID makes a redelivered job
// resolve to the bid it already recorded; when empty the job ID is used.
type PlaceBidPayload struct {
	BidID     string `json:"bidId,omitempty"`
	AuctionID string `json:"auctionId" validate:"required"`
	BidderID  string `json:"bidderId" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
}

// SettleAuctionPayload is enqueued by the lifecycle worker when an auction ends
type SettleAuctionPayload struct {
	AuctionID string `json:"auctionId" validate:"required"`
}

// VerifyPaymentPayload is enqueued on every webhook delivery
type VerifyPaymentPayload struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

// PurchaseTicketPayload is enqueued by the API layer. Quantity is validated at
// apply time so an invalid request is still recorded as a rejected purchase.
type PurchaseTicketPayload struct {
	PurchaseID string `json:"purchaseId" validate:"required"`
	RoundID    string `json:"roundId" validate:"required"`
	BuyerID    string `json:"buyerId" validate:"required"`
	Quantity   int    `json:"quantity"`
}

// ReleaseReservationPayload is enqueued when a payment fails
type ReleaseReservationPayload struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

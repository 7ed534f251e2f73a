package models

import "time"

// Outbound event types
const (
	EventTypeBidOutbid                     = "bid-outbid"
	EventTypeAuctionSettled                = "auction-settled"
	EventTypePaymentRequired               = "payment-required"
	EventTypePaymentVerified               = "payment-verified"
	EventTypePaymentFailed                 = "payment-failed"
	EventTypePaymentReconciliationRequired = "payment-reconciliation-required"
	EventTypeRaffleDrawn                   = "raffle-drawn"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the envelope carried by notification jobs. Only the fields relevant
// to EventType are set.
type Event struct {
	BaseEvent
	AuctionID       string  `json:"auction_id,omitempty"`
	BidderID        string  `json:"bidder_id,omitempty"`
	WinnerID        *string `json:"winner_id,omitempty"`
	Amount          int64   `json:"amount,omitempty"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
	Purpose         string  `json:"purpose,omitempty"`
	RoundID         string  `json:"round_id,omitempty"`
	TicketID        string  `json:"ticket_id,omitempty"`
	BuyerID         string  `json:"buyer_id,omitempty"`
}

// Key returns the partition key used when the event is published
func (e *Event) Key() string {
	switch {
	case e.AuctionID != "":
		return "auction-" + e.AuctionID
	case e.PaymentIntentID != "":
		return "payment-" + e.PaymentIntentID
	case e.RoundID != "":
		return "raffle-" + e.RoundID
	}
	return e.EventID
}

// WebhookDelivery is one payment provider webhook call. Deliveries may be
// duplicated or arrive out of order; the status it carries is advisory only.
type WebhookDelivery struct {
	EventID         string `json:"eventId" validate:"required"`
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	Purpose         string `json:"purpose" validate:"required,oneof=listing-package raffle-ticket"`
	RelatedEntityID string `json:"relatedEntityId" validate:"required"`
	Amount          int64  `json:"amount" validate:"gt=0"`
	Status          string `json:"status,omitempty"`
}

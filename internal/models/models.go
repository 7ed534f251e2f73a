package models

import (
	"encoding/json"
	"time"
)

// Auction represents a timed vehicle auction
type Auction struct {
	ID                     string     `db:"id" json:"id"`
	VehicleID              string     `db:"vehicle_id" json:"vehicle_id"`
	StartingPrice          int64      `db:"starting_price" json:"starting_price"`
	CurrentHighestBid      *int64     `db:"current_highest_bid" json:"current_highest_bid"`
	CurrentHighestBidderID *string    `db:"current_highest_bidder_id" json:"current_highest_bidder_id"`
	BidCount               int        `db:"bid_count" json:"bid_count"`
	WinnerID               *string    `db:"winner_id" json:"winner_id"`
	Status                 string     `db:"status" json:"status"`
	StartAt                time.Time  `db:"start_at" json:"start_at"`
	EndAt                  time.Time  `db:"end_at" json:"end_at"`
	SettledAt              *time.Time `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// MinimumExclusiveBid is the amount a new bid has to beat.
func (a *Auction) MinimumExclusiveBid() int64 {
	if a.CurrentHighestBid != nil {
		return *a.CurrentHighestBid
	}
	return a.StartingPrice
}

// Bid is an immutable record of a bid attempt
type Bid struct {
	ID           string    `db:"id" json:"id"`
	AuctionID    string    `db:"auction_id" json:"auction_id"`
	BidderID     string    `db:"bidder_id" json:"bidder_id"`
	Amount       int64     `db:"amount" json:"amount"`
	PlacedAt     time.Time `db:"placed_at" json:"placed_at"`
	Accepted     bool      `db:"accepted" json:"accepted"`
	RejectReason string    `db:"reject_reason" json:"reject_reason,omitempty"`
}

// PricingTier maps a vehicle price range to a fee. A nil Max is unbounded.
type PricingTier struct {
	Min int64  `json:"min" toml:"min"`
	Max *int64 `json:"max,omitempty" toml:"max"`
	Fee int64  `json:"fee" toml:"fee"`
}

// Package is a published listing package definition
type Package struct {
	ID           string        `db:"id" json:"id"`
	Type         string        `db:"type" json:"type"`
	Amount       int64         `db:"amount" json:"amount"`
	Tiers        []PricingTier `db:"-" json:"tiers"`
	TiersJSON    string        `db:"tiers" json:"-"`
	DurationDays int           `db:"duration_days" json:"duration_days"`
	UntilSold    bool          `db:"until_sold" json:"until_sold"`
	Rebookable   bool          `db:"rebookable" json:"rebookable"`
	PublishedAt  time.Time     `db:"published_at" json:"published_at"`
}

// DecodeTiers fills Tiers from the stored JSON column
func (p *Package) DecodeTiers() error {
	if p.TiersJSON == "" {
		p.Tiers = nil
		return nil
	}
	return json.Unmarshal([]byte(p.TiersJSON), &p.Tiers)
}

// EncodeTiers fills the stored JSON column from Tiers
func (p *Package) EncodeTiers() error {
	raw, err := json.Marshal(p.Tiers)
	if err != nil {
		return err
	}
	p.TiersJSON = string(raw)
	return nil
}

// Listing is a vehicle listing that becomes visible once its package is paid
type Listing struct {
	ID           string     `db:"id" json:"id"`
	SellerID     string     `db:"seller_id" json:"seller_id"`
	PackageID    string     `db:"package_id" json:"package_id"`
	VehiclePrice int64      `db:"vehicle_price" json:"vehicle_price"`
	Fee          int64      `db:"fee" json:"fee"`
	Status       string     `db:"status" json:"status"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	ActivatedAt  *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// RaffleRound is one raffle with a monotonic ticket counter
type RaffleRound struct {
	ID               string     `db:"id" json:"id"`
	Status           string     `db:"status" json:"status"`
	TicketPrice      int64      `db:"ticket_price" json:"ticket_price"`
	TotalTicketsSold int        `db:"total_tickets_sold" json:"total_tickets_sold"`
	MaxTickets       *int       `db:"max_tickets" json:"max_tickets,omitempty"`
	WinningTicketID  *string    `db:"winning_ticket_id" json:"winning_ticket_id,omitempty"`
	OpenedAt         time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt         *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	DrawnAt          *time.Time `db:"drawn_at" json:"drawn_at,omitempty"`
}

// RafflePurchase groups the tickets reserved by one purchase request
type RafflePurchase struct {
	ID                string    `db:"id" json:"id"`
	RoundID           string    `db:"round_id" json:"round_id"`
	BuyerID           string    `db:"buyer_id" json:"buyer_id"`
	Quantity          int       `db:"quantity" json:"quantity"`
	FirstTicketNumber *int      `db:"first_ticket_number" json:"first_ticket_number,omitempty"`
	LastTicketNumber  *int      `db:"last_ticket_number" json:"last_ticket_number,omitempty"`
	Status            string    `db:"status" json:"status"`
	RejectReason      string    `db:"reject_reason" json:"reject_reason,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// RaffleTicket is a single numbered ticket
type RaffleTicket struct {
	ID           string    `db:"id" json:"id"`
	RoundID      string    `db:"round_id" json:"round_id"`
	PurchaseID   string    `db:"purchase_id" json:"purchase_id"`
	BuyerID      string    `db:"buyer_id" json:"buyer_id"`
	TicketNumber int       `db:"ticket_number" json:"ticket_number"`
	Status       string    `db:"status" json:"status"`
	PurchasedAt  time.Time `db:"purchased_at" json:"purchased_at"`
}

// PaymentIntent mirrors a payment tracked by the external provider
type PaymentIntent struct {
	ID                  string     `db:"id" json:"id"`
	Purpose             string     `db:"purpose" json:"purpose"`
	RelatedEntityID     string     `db:"related_entity_id" json:"related_entity_id"`
	Amount              int64      `db:"amount" json:"amount"`
	Status              string     `db:"status" json:"status"`
	NeedsReconciliation bool       `db:"needs_reconciliation" json:"needs_reconciliation"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt         *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Job is a unit of work in the durable queue
type Job struct {
	ID          string     `db:"id" json:"id"`
	Type        string     `db:"type" json:"type"`
	Payload     string     `db:"payload" json:"payload"`
	Status      string     `db:"status" json:"status"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	AvailableAt time.Time  `db:"available_at" json:"available_at"`
	LeaseUntil  *time.Time `db:"lease_until" json:"lease_until,omitempty"`
	ClaimedBy   *string    `db:"claimed_by" json:"claimed_by,omitempty"`
	DedupeKey   *string    `db:"dedupe_key" json:"dedupe_key,omitempty"`
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal([]byte(j.Payload), v)
}

// WebhookEvent records a provider webhook delivery for deduplication
type WebhookEvent struct {
	EventID         string    `db:"event_id"`
	PaymentIntentID string    `db:"payment_intent_id"`
	ReceivedAt      time.Time `db:"received_at"`
}

// Auction statuses
const (
	AuctionStatusUpcoming  = "upcoming"
	AuctionStatusActive    = "active"
	AuctionStatusEnded     = "ended"
	AuctionStatusSettled   = "settled"
	AuctionStatusCancelled = "cancelled"
)

// Package types
const (
	PackageTypeClassified         = "CLASSIFIED"
	PackageTypeAuctionVehicle     = "AUCTION-VEHICLE"
	PackageTypeAuctionNumberplate = "AUCTION-NUMBERPLATE"
)

// Listing statuses
const (
	ListingStatusDraft          = "draft"
	ListingStatusPendingPayment = "pending_payment"
	ListingStatusActive         = "active"
	ListingStatusExpired        = "expired"
)

// Raffle round statuses
const (
	RoundStatusOpen   = "open"
	RoundStatusClosed = "closed"
	RoundStatusDrawn  = "drawn"
)

// Raffle purchase statuses
const (
	PurchaseStatusReserved  = "reserved"
	PurchaseStatusRejected  = "rejected"
	PurchaseStatusConfirmed = "confirmed"
	PurchaseStatusVoid      = "void"
)

// Raffle ticket statuses
const (
	TicketStatusReserved  = "reserved"
	TicketStatusConfirmed = "confirmed"
	TicketStatusVoid      = "void"
)

// Payment intent purposes
const (
	PurposeListingPackage = "listing-package"
	PurposeRaffleTicket   = "raffle-ticket"
)

// Payment intent statuses
const (
	PaymentStatusPending  = "pending"
	PaymentStatusVerified = "verified"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Job statuses
const (
	JobStatusQueued  = "queued"
	JobStatusClaimed = "claimed"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

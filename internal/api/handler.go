package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/pricing"
	"settlement-service/internal/queue"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultDeadJobLimit = 50

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the dependencies the HTTP handlers call into
type Services struct {
	Auctions *service.AuctionService
	Bids     *service.BidService
	Raffles  *service.RaffleService
	Payments *service.PaymentService
	Listings *service.ListingService
	Catalog  *pricing.Catalog
	Queue    *queue.Queue
}

// Handler contains HTTP handlers
type Handler struct {
	svc      Services
	checks   map[string]Pinger
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(svc Services, checks map[string]Pinger) *Handler {
	return &Handler{
		svc:      svc,
		checks:   checks,
		validate: validator.New(),
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/auctions/:id", h.getAuction)
		v1.GET("/auctions/:id/bids", h.listBids)
		v1.POST("/auctions/:id/bids", h.placeBid)
		v1.POST("/auctions/:id/cancel", h.cancelAuction)

		v1.POST("/raffles", h.openRound)
		v1.GET("/raffles/:id", h.getRound)
		v1.POST("/raffles/:id/tickets", h.purchaseTicket)
		v1.POST("/raffles/:id/close", h.closeRound)
		v1.POST("/raffles/:id/draw", h.drawRound)
		v1.GET("/purchases/:id", h.getPurchase)

		v1.POST("/listings", h.createListing)
		v1.GET("/listings/:id", h.getListing)
		v1.GET("/quote", h.quote)

		v1.POST("/payments/webhook", h.paymentWebhook)
		v1.GET("/payments/:id", h.getPayment)

		v1.GET("/jobs/dead", h.listDeadJobs)
		v1.POST("/jobs/:id/retry", h.retryJob)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors to HTTP responses
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case apperr.IsValidation(err):
		status := http.StatusUnprocessableEntity
		switch apperr.Reason(err) {
		case apperr.ReasonAuctionNotFound, apperr.ReasonRoundNotFound:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "Request rejected",
			"reason":  apperr.Reason(err),
			"details": err.Error(),
		})
	case errors.Is(err, service.ErrNoConfirmedTickets):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		var te *apperr.TransientError
		if errors.As(err, &te) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporarily unavailable, retry later"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// getAuction handles get auction by ID
func (h *Handler) getAuction(c *gin.Context) {
	auction, err := h.svc.Auctions.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, auction)
}

// listBids handles the bid history of an auction
func (h *Handler) listBids(c *gin.Context) {
	bids, err := h.svc.Bids.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

type placeBidRequest struct {
	BidderID string `json:"bidderId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

// placeBid rejects bids that cannot win right away and queues the rest
func (h *Handler) placeBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	bidID := c.GetHeader("Idempotency-Key")
	if bidID == "" {
		bidID = uuid.New().String()
	}

	ctx := c.Request.Context()
	auctionID := c.Param("id")
	if _, err := h.svc.Bids.Precheck(ctx, auctionID, req.Amount); err != nil {
		h.respondError(c, err)
		return
	}

	jobID, err := h.svc.Queue.Enqueue(ctx, models.JobTypePlaceBid, models.PlaceBidPayload{
		BidID:     bidID,
		AuctionID: auctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
	}, queue.DedupeKey("place-bid:"+bidID))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "bidId": bidID})
}

// cancelAuction handles admin cancellation of an auction that has not ended
func (h *Handler) cancelAuction(c *gin.Context) {
	if err := h.svc.Auctions.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.AuctionStatusCancelled})
}

type openRoundRequest struct {
	TicketPrice int64 `json:"ticketPrice" binding:"required,gt=0"`
	MaxTickets  *int  `json:"maxTickets" binding:"omitempty,gt=0"`
}

// openRound opens a raffle round
func (h *Handler) openRound(c *gin.Context) {
	var req openRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	round, err := h.svc.Raffles.OpenRound(c.Request.Context(), req.TicketPrice, req.MaxTickets)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, round)
}

// getRound handles get raffle round by ID
func (h *Handler) getRound(c *gin.Context) {
	round, err := h.svc.Raffles.GetRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

type purchaseTicketRequest struct {
	PurchaseID string `json:"purchaseId"`
	BuyerID    string `json:"buyerId" binding:"required"`
	Quantity   int    `json:"quantity"`
}

// purchaseTicket queues a ticket purchase. Retries with the same purchaseId
// resolve to the same job.
func (h *Handler) purchaseTicket(c *gin.Context) {
	var req purchaseTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.PurchaseID == "" {
		req.PurchaseID = c.GetHeader("Idempotency-Key")
	}
	if req.PurchaseID == "" {
		req.PurchaseID = uuid.New().String()
	}

	ctx := c.Request.Context()
	roundID := c.Param("id")
	if _, err := h.svc.Raffles.Precheck(ctx, roundID, req.Quantity); err != nil {
		h.respondError(c, err)
		return
	}

	jobID, err := h.svc.Queue.Enqueue(ctx, models.JobTypePurchaseTicket, models.PurchaseTicketPayload{
		PurchaseID: req.PurchaseID,
		RoundID:    roundID,
		BuyerID:    req.BuyerID,
		Quantity:   req.Quantity,
	}, queue.DedupeKey("purchase-ticket:"+req.PurchaseID))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":      jobID,
		"purchaseId": req.PurchaseID,
	})
}

// closeRound stops ticket sales of a round
func (h *Handler) closeRound(c *gin.Context) {
	if err := h.svc.Raffles.CloseRound(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.RoundStatusClosed})
}

// drawRound draws the winner of a closed round
func (h *Handler) drawRound(c *gin.Context) {
	winner, err := h.svc.Raffles.DrawRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"winner": winner})
}

// getPurchase handles get raffle purchase by ID
func (h *Handler) getPurchase(c *gin.Context) {
	purchase, err := h.svc.Raffles.GetPurchase(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

type createListingRequest struct {
	SellerID     string `json:"sellerId" binding:"required"`
	PackageType  string `json:"packageType" binding:"required"`
	VehiclePrice int64  `json:"vehiclePrice" binding:"gte=0"`
}

// createListing creates an unpaid listing draft
func (h *Handler) createListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	listing, err := h.svc.Listings.CreateDraft(c.Request.Context(), req.SellerID, req.PackageType, req.VehiclePrice)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// getListing handles get listing by ID
func (h *Handler) getListing(c *gin.Context) {
	listing, err := h.svc.Listings.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// quote returns the fee for a package type and vehicle price
func (h *Handler) quote(c *gin.Context) {
	packageType := c.Query("type")
	price, err := strconv.ParseInt(c.Query("price"), 10, 64)
	if packageType == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "type and integer price are required",
		})
		return
	}

	quote, err := h.svc.Catalog.Quote(c.Request.Context(), packageType, price)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// paymentWebhook receives payment provider deliveries
func (h *Handler) paymentWebhook(c *gin.Context) {
	var delivery models.WebhookDelivery
	if err := c.ShouldBindJSON(&delivery); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.validate.Struct(&delivery); err != nil {
		badRequest(c, err)
		return
	}

	duplicate, err := h.svc.Payments.RecordWebhook(c.Request.Context(), &delivery)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": duplicate,
	})
}

// getPayment handles get payment intent by ID
func (h *Handler) getPayment(c *gin.Context) {
	intent, err := h.svc.Payments.GetPaymentIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// listDeadJobs lists dead-lettered jobs for inspection
func (h *Handler) listDeadJobs(c *gin.Context) {
	limit := uint64(defaultDeadJobLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	jobs, err := h.svc.Queue.ListDead(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// retryJob puts a dead job back in the queue
func (h *Handler) retryJob(c *gin.Context) {
	ok, err := h.svc.Queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No dead job with this ID"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.JobStatusQueued})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

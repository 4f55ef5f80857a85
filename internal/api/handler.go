package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"commerce-core/internal/models"
	"commerce-core/internal/service"
	"commerce-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DeliveryReader exposes the webhook delivery audit read.
type DeliveryReader interface {
	ListDeliveries(ctx context.Context, webhookID int64, limit int) ([]models.WebhookDelivery, error)
}

// Handler contains HTTP handlers
type Handler struct {
	orderService     *service.OrderService
	paymentService   *service.PaymentService
	refundService    *service.RefundService
	inventoryService *service.InventoryService
	deliveries       DeliveryReader
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	refundService *service.RefundService,
	inventoryService *service.InventoryService,
	deliveries DeliveryReader,
) *Handler {
	return &Handler{
		orderService:     orderService,
		paymentService:   paymentService,
		refundService:    refundService,
		inventoryService: inventoryService,
		deliveries:       deliveries,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/history", h.getOrderHistory)
		v1.GET("/orders/:id/refunds", h.listRefunds)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/fulfillments", h.fulfillOrder)
		v1.POST("/orders/:id/status", h.transitionOrder)
		v1.POST("/orders/:id/payments", h.authorizePayment)

		v1.POST("/payments/:id/capture", h.capturePayment)
		v1.POST("/payments/:id/void", h.voidPayment)
		v1.POST("/payments/:id/retry", h.retryPayment)
		v1.POST("/payments/:id/refunds", h.createRefund)

		v1.GET("/stock/:variant_id/:location_id", h.getStockLevel)
		v1.GET("/stock/:variant_id/:location_id/availability", h.getAvailability)
		v1.POST("/stock/adjustments", h.adjustStock)

		v1.GET("/webhook-deliveries", h.listDeliveries)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, items, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order": order,
		"items": items,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getOrderHistory returns the append-only status transition log
func (h *Handler) getOrderHistory(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	history, err := h.orderService.History(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder handles order cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), orderID, req.Reason, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type fulfillmentRequest struct {
	Items []struct {
		OrderItemID int64 `json:"order_item_id" binding:"required"`
		Quantity    int   `json:"quantity" binding:"required,min=1"`
	} `json:"items" binding:"required,min=1,dive"`
}

// fulfillOrder records fulfilled quantities per item
func (h *Handler) fulfillOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req fulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	quantities := make(map[int64]int, len(req.Items))
	for _, item := range req.Items {
		quantities[item.OrderItemID] += item.Quantity
	}

	order, err := h.orderService.MarkFulfilled(c.Request.Context(), orderID, quantities, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type transitionRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// transitionOrder moves the order lifecycle axis (processing, shipped,
// delivered)
func (h *Handler) transitionOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.TransitionOrder(c.Request.Context(), orderID, req.Status, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type authorizePaymentRequest struct {
	Amount        *int64               `json:"amount"`
	FundingSource models.FundingSource `json:"funding_source"`
}

// authorizePayment creates and authorizes a payment for an order. The
// idempotency key comes from the Idempotency-Key header; omitting it opts out
// of replay protection.
func (h *Handler) authorizePayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req authorizePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, _, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	amount := order.TotalAmount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Payment amount must be positive",
		})
		return
	}

	payment, err := h.paymentService.AuthorizePayment(c.Request.Context(),
		orderID, amount, order.Currency, req.FundingSource, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// capturePayment captures an authorized payment
func (h *Handler) capturePayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := h.paymentService.CapturePayment(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// voidPayment voids an authorized, uncaptured payment
func (h *Handler) voidPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := h.paymentService.VoidPayment(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// retryPayment retries a failed payment with a fresh gateway idempotency key
func (h *Handler) retryPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := h.paymentService.RetryFailedPayment(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

// createRefund refunds part or all of a captured payment. A missing amount
// refunds the full remaining balance. Retrying with the same Idempotency-Key
// header returns the original refund instead of creating a second one.
func (h *Handler) createRefund(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.refundService.ProcessRefund(c.Request.Context(),
		paymentID, req.Amount, req.Reason, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund": refund})
}

// listRefunds returns the refunds recorded against an order
func (h *Handler) listRefunds(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	refunds, err := h.refundService.ListRefunds(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}

// getStockLevel returns the authoritative stock row for a variant/location
func (h *Handler) getStockLevel(c *gin.Context) {
	variantID, ok := pathID(c, "variant_id")
	if !ok {
		return
	}
	locationID, ok := pathID(c, "location_id")
	if !ok {
		return
	}

	level, err := h.inventoryService.GetStockLevel(c.Request.Context(), variantID, locationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stock_level": level})
}

// getAvailability is the storefront read: cache-first, advisory only.
func (h *Handler) getAvailability(c *gin.Context) {
	variantID, ok := pathID(c, "variant_id")
	if !ok {
		return
	}
	locationID, ok := pathID(c, "location_id")
	if !ok {
		return
	}

	available, reserved, err := h.inventoryService.Availability(c.Request.Context(), variantID, locationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available": available,
		"reserved":  reserved,
	})
}

type adjustStockRequest struct {
	VariantID  int64                 `json:"variant_id" binding:"required"`
	LocationID int64                 `json:"location_id" binding:"required"`
	Delta      int                   `json:"delta" binding:"required"`
	Type       models.AdjustmentType `json:"type" binding:"required"`
	Reason     string                `json:"reason"`
}

// adjustStock records a manual inventory adjustment
func (h *Handler) adjustStock(c *gin.Context) {
	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	err := h.inventoryService.Adjust(c.Request.Context(),
		req.VariantID, req.LocationID, req.Delta, req.Type, "manual", 0, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	level, err := h.inventoryService.GetStockLevel(c.Request.Context(), req.VariantID, req.LocationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stock_level": level})
}

// listDeliveries returns recent webhook delivery attempts, optionally scoped
// to one subscription via ?webhook_id=.
func (h *Handler) listDeliveries(c *gin.Context) {
	var webhookID int64
	if raw := c.Query("webhook_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook_id"})
			return
		}
		webhookID = id
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	deliveries, err := h.deliveries.ListDeliveries(c.Request.Context(), webhookID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

func actorOf(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

// respondError maps the error taxonomy onto HTTP statuses: validation 422,
// not found 404, lost concurrency races 409, transient upstream failures 502,
// inconsistencies 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case models.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrStaleOrder):
		status = http.StatusConflict
	case models.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case models.IsTransient(err):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": err.Error()})
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

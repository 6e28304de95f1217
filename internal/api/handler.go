package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/service"
	"payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxCallbackBody   = 1 << 20
	idempotencyTTL    = 24 * time.Hour
	defaultBulkLimit  = 50
	signatureHeader   = "X-Signature"
	idempotencyHeader = "Idempotency-Key"
)

// Payments is the payment state machine as used over HTTP
type Payments interface {
	Create(ctx context.Context, orderID int64, gatewayID string, opts service.CheckoutOptions) (*service.CheckoutResult, error)
	HandleCallback(ctx context.Context, gatewayID string, orderID int64, body []byte, signature string) (*service.ReconcileResult, error)
	RedirectURL(orderID int64, status string) string
	Capture(ctx context.Context, orderID int64) (*service.ReconcileResult, error)
	Void(ctx context.Context, orderID int64) (*service.ReconcileResult, error)
	Refund(ctx context.Context, orderID, amount int64, reason string) (*service.RefundResult, error)
	RequeryOrder(ctx context.Context, orderID int64) (*service.ReconcileResult, error)
	BulkRequery(ctx context.Context, orderIDs []int64, limit int) ([]service.ReconcileResult, error)
	ScheduleRenewal(ctx context.Context, orderID int64, gatewayID string, runAt time.Time) error
	AvailableMethods(ctx context.Context, gatewayID, currency string) ([]service.PaymentMethod, error)
	RefreshPublicKey(ctx context.Context, gatewayID string) error
}

// Tokens removes stored cards
type Tokens interface {
	DeleteToken(ctx context.Context, id int64) error
}

// IdempotencyStore remembers request keys
type IdempotencyStore interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	payments    Payments
	tokens      Tokens
	idempotency IdempotencyStore
	db          Pinger
	cache       Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(payments Payments, tokens Tokens, idempotency IdempotencyStore, db, cache Pinger) *Handler {
	return &Handler{
		payments:    payments,
		tokens:      tokens,
		idempotency: idempotency,
		db:          db,
		cache:       cache,
		logger:      util.GetLogger(),
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

	router.GET("/payments/callback/:gateway", h.callback)
	router.POST("/payments/callback/:gateway", h.callback)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders/:id/pay", h.pay)
		v1.POST("/orders/:id/capture", h.capture)
		v1.POST("/orders/:id/void", h.void)
		v1.POST("/orders/:id/refund", h.refund)
		v1.POST("/orders/:id/requery", h.requery)
		v1.POST("/orders/:id/renew", h.renew)
		v1.POST("/orders/requery", h.bulkRequery)

		v1.DELETE("/tokens/:id", h.deleteToken)

		v1.GET("/gateways/:id/payment-methods", h.paymentMethods)
		v1.POST("/gateways/:id/public-key/refresh", h.refreshPublicKey)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database and redis answer
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range map[string]Pinger{"database": h.db, "redis": h.cache} {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// callback handles processor callbacks and buyer redirects
func (h *Handler) callback(c *gin.Context) {
	gatewayID := c.Param("gateway")
	orderID, err := strconv.ParseInt(c.Query("order_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	signature := c.GetHeader(signatureHeader)
	pushed := signature != "" || len(body) > 0

	result, err := h.payments.HandleCallback(c.Request.Context(), gatewayID, orderID, body, signature)
	if errors.Is(err, service.ErrInvalidSignature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid request"})
		return
	}

	if pushed {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	// the buyer always lands somewhere; the requery job settles what is left
	status := models.OrderStatusPending
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) || errors.Is(err, service.ErrUnknownGateway) {
			h.fail(c, err)
			return
		}
		h.logger.Warn("Redirect reconcile failed", util.OrderID(orderID), zap.Error(err))
	} else {
		status = result.OrderStatus
	}
	c.Redirect(http.StatusFound, h.payments.RedirectURL(orderID, status))
}

// payRequest starts a checkout
type payRequest struct {
	GatewayID     string `json:"gateway_id" binding:"required"`
	SaveCard      bool   `json:"save_card"`
	PaymentMethod string `json:"payment_method"`
}

// pay handles checkout for an order
func (h *Handler) pay(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.payments.Create(c.Request.Context(), orderID, req.GatewayID, service.CheckoutOptions{
		SaveCard:      req.SaveCard,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) capture(c *gin.Context) {
	h.orderAction(c, h.payments.Capture)
}

func (h *Handler) void(c *gin.Context) {
	h.orderAction(c, h.payments.Void)
}

func (h *Handler) requery(c *gin.Context) {
	h.orderAction(c, h.payments.RequeryOrder)
}

func (h *Handler) orderAction(c *gin.Context, action func(context.Context, int64) (*service.ReconcileResult, error)) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	result, err := action(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// refundRequest refunds part or all of an order
type refundRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// refund handles refunds. A repeated Idempotency-Key is refused while the
// first request is running or after it succeeded.
func (h *Handler) refund(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	key := c.GetHeader(idempotencyHeader)
	if key != "" && h.idempotency != nil {
		key = "refund:" + strconv.FormatInt(orderID, 10) + ":" + key
		fresh, err := h.idempotency.SetIdempotencyKey(ctx, key, req.Amount, idempotencyTTL)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !fresh {
			c.JSON(http.StatusConflict, gin.H{"error": "Duplicate request"})
			return
		}
	}

	result, err := h.payments.Refund(ctx, orderID, req.Amount, req.Reason)
	if err != nil {
		// an unknown outcome keeps the key: the refund may have gone through
		if key != "" && h.idempotency != nil && !errors.Is(err, service.ErrUnknownOutcome) {
			if delErr := h.idempotency.DeleteIdempotencyKey(ctx, key); delErr != nil {
				h.logger.Warn("Failed to release idempotency key", zap.Error(delErr))
			}
		}
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// renewRequest schedules a renewal charge
type renewRequest struct {
	GatewayID string    `json:"gateway_id" binding:"required"`
	RunAt     time.Time `json:"run_at"`
}

func (h *Handler) renew(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.RunAt.IsZero() {
		req.RunAt = time.Now()
	}

	if err := h.payments.ScheduleRenewal(c.Request.Context(), orderID, req.GatewayID, req.RunAt); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"order_id": orderID,
		"run_at":   req.RunAt,
	})
}

// bulkRequeryRequest lists orders to requery; empty means all pending
type bulkRequeryRequest struct {
	OrderIDs []int64 `json:"order_ids"`
	Limit    int     `json:"limit"`
}

func (h *Handler) bulkRequery(c *gin.Context) {
	var req bulkRequeryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultBulkLimit
	}

	results, err := h.payments.BulkRequery(c.Request.Context(), req.OrderIDs, req.Limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) deleteToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token ID"})
		return
	}

	if err := h.tokens.DeleteToken(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) paymentMethods(c *gin.Context) {
	currency := c.DefaultQuery("currency", "MYR")

	methods, err := h.payments.AvailableMethods(c.Request.Context(), c.Param("id"), currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway_id": c.Param("id"),
		"currency":   currency,
		"methods":    methods,
	})
}

func (h *Handler) refreshPublicKey(c *gin.Context) {
	if err := h.payments.RefreshPublicKey(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

func orderParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

// fail writes err with the status its kind maps to
func (h *Handler) fail(c *gin.Context, err error) {
	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// statusFor maps service errors to HTTP status and a user-facing message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrNoToken),
		errors.Is(err, service.ErrUnknownGateway):
		return http.StatusNotFound, "Not found"

	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMethodNotAvailable):
		return http.StatusBadRequest, "Invalid request"

	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid request"

	case errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrNotCapturable),
		errors.Is(err, service.ErrNotVoidable),
		errors.Is(err, service.ErrCaptureWindowExpired),
		errors.Is(err, service.ErrRefundOnHold),
		errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, service.ErrNoTransactionID),
		errors.Is(err, service.ErrNoPurchase),
		errors.Is(err, service.ErrPurchaseMismatch):
		return http.StatusConflict, "Order is not in a state that allows this"

	case errors.Is(err, service.ErrLockNotAcquired):
		return http.StatusConflict, "Order is busy, try again"

	case errors.Is(err, service.ErrMissingCredentials):
		return http.StatusServiceUnavailable, "Payment gateway is not configured"

	case errors.Is(err, service.ErrUnknownOutcome):
		return http.StatusGatewayTimeout, "Payment processor did not answer, check the order before retrying"

	case errors.Is(err, service.ErrRefundFailed):
		return http.StatusBadGateway, "Refund was not accepted by the payment processor"
	}

	if _, ok := processor.AsAPIError(err); ok {
		return http.StatusBadGateway, "Payment processor rejected the request"
	}
	return http.StatusInternalServerError, "Internal error"
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

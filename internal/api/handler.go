package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"delivery-order-service/internal/models"
	"delivery-order-service/internal/service"
	"delivery-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID         = "X-User-ID"
	headerUserRole       = "X-User-Role"
	headerIdempotencyKey = "Idempotency-Key"

	defaultNotificationLimit = 50
	maxNotificationLimit     = 200

	msgStatusUpdateFailed = "could not update status, please retry"
)

// OrderManager is the order lifecycle used by the handlers
type OrderManager interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrder(ctx context.Context, orderID int64) (*service.OrderDetails, error)
	TransitionStatus(ctx context.Context, req *service.TransitionRequest) (*models.Order, error)
	DeleteUnconfirmedOrder(ctx context.Context, orderID, buyerID int64) error
	ValidateStock(ctx context.Context, items []service.StockItem) (*service.ValidationResult, error)
}

// Inbox lists stored notifications
type Inbox interface {
	ListNotifications(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders     OrderManager
	inbox      Inbox
	dependents map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. dependents are pinged by /ready.
func NewHandler(orders OrderManager, inbox Inbox, dependents map[string]Pinger) *Handler {
	return &Handler{
		orders:     orders,
		inbox:      inbox,
		dependents: dependents,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes. limiter may be nil.
func (h *Handler) SetupRoutes(router *gin.Engine, limiter *RateLimiter) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/status", h.transitionStatus)
		v1.DELETE("/orders/:id", h.deleteOrder)
		v1.POST("/stock/validate", h.validateStock)
		v1.GET("/notifications", h.listNotifications)
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
	for name, dep := range h.dependents {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
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

// createOrder turns the caller's cart into an order
func (h *Handler) createOrder(c *gin.Context) {
	buyerID, ok := userID(c)
	if !ok {
		return
	}

	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.BuyerID = buyerID

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "create order", err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	details, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "get order", err)
		return
	}

	c.JSON(http.StatusOK, details)
}

type transitionBody struct {
	Status   models.OrderStatus `json:"status" binding:"required"`
	Notes    string             `json:"notes"`
	Reason   string             `json:"reason"`
	DriverID *int64             `json:"driver_id"`
}

// transitionStatus moves an order along its lifecycle. Callers get one
// generic message; the reason is logged.
func (h *Handler) transitionStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	actorID, ok := userID(c)
	if !ok {
		return
	}

	role := service.ActorRole(c.GetHeader(headerUserRole))
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Role must be buyer, seller, driver or system"})
		return
	}

	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.TransitionStatus(c.Request.Context(), &service.TransitionRequest{
		OrderID:  orderID,
		Status:   body.Status,
		Actor:    service.Actor{ID: actorID, Role: role},
		Notes:    body.Notes,
		Reason:   body.Reason,
		DriverID: body.DriverID,
	})
	if err != nil {
		h.logger.Warn("Status update failed",
			zap.Int64("order_id", orderID),
			zap.String("to", string(body.Status)),
			zap.String("role", string(role)),
			zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": msgStatusUpdateFailed})
		return
	}

	c.JSON(http.StatusOK, order)
}

// deleteOrder removes a pending order of the caller
func (h *Handler) deleteOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	buyerID, ok := userID(c)
	if !ok {
		return
	}

	if err := h.orders.DeleteUnconfirmedOrder(c.Request.Context(), orderID, buyerID); err != nil {
		h.writeError(c, "delete order", err)
		return
	}

	c.Status(http.StatusNoContent)
}

type validateStockBody struct {
	Items []service.StockItem `json:"items" binding:"required,min=1,dive"`
}

// validateStock checks lines against current stock without reserving
func (h *Handler) validateStock(c *gin.Context) {
	var body validateStockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orders.ValidateStock(c.Request.Context(), body.Items)
	if err != nil {
		h.writeError(c, "validate stock", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// listNotifications returns the caller's newest notifications
func (h *Handler) listNotifications(c *gin.Context) {
	recipientID, ok := userID(c)
	if !ok {
		return
	}

	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	notifications, err := h.inbox.ListNotifications(c.Request.Context(), recipientID, limit)
	if err != nil {
		h.writeError(c, "list notifications", err)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
		return 0, false
	}
	return id, true
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return id, true
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var (
		validationErr *service.ValidationError
		stockErr      *service.InsufficientStockError
		notFoundErr   *service.NotFoundError
		forbiddenErr  *service.ForbiddenError
		transitionErr *service.IllegalTransitionError
		rollbackErr   *service.RollbackFailureError
	)

	switch {
	case errors.As(err, &rollbackErr):
		return http.StatusInternalServerError
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &stockErr):
		return http.StatusConflict
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &forbiddenErr):
		return http.StatusForbidden
	case errors.As(err, &transitionErr):
		return http.StatusConflict
	case errors.Is(err, service.ErrCheckoutInProgress), errors.Is(err, service.ErrOrderBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError renders err with its status. Internal failures are logged and
// answered without details.
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	var stockErr *service.InsufficientStockError
	if errors.As(err, &stockErr) {
		body["offending_items"] = stockErr.Items
	}
	c.JSON(status, body)
}

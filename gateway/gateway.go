// Package gateway exposes the checkout engine over HTTP. Transport only:
// every decision lives in the cart, verification and checkout packages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/piata/pkg/cart"
	"github.com/example/piata/pkg/checkout"
	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/identity"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/example/piata/pkg/verification"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// OrderReader is the read-side slice of the order repository the gateway
// needs for GET /orders/:number.
type OrderReader interface {
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
}

// Pinger reports backing-store liveness for /health.
type Pinger func(ctx context.Context) error

type Gateway struct {
	config   *config.Config
	logger   *zap.Logger
	router   *gin.Engine
	identity *identity.Store
	ledger   *cart.Ledger
	gate     *verification.Gate
	pipeline *checkout.Pipeline
	orders   OrderReader
	pingers  map[string]Pinger
}

func NewGateway(
	cfg *config.Config,
	logger *zap.Logger,
	ids *identity.Store,
	ledger *cart.Ledger,
	gate *verification.Gate,
	pipeline *checkout.Pipeline,
	orders OrderReader,
	pingers map[string]Pinger,
) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	return &Gateway{
		config:   cfg,
		logger:   logger,
		router:   router,
		identity: ids,
		ledger:   ledger,
		gate:     gate,
		pipeline: pipeline,
		orders:   orders,
		pingers:  pingers,
	}
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", g.createOrGetSession)
			sessions.GET("/:id", g.getSession)
			sessions.POST("/:id/items", g.addItem)
			sessions.POST("/:id/items/batch", g.batchAdd)
			sessions.PUT("/:id/items/:productId", g.setQuantity)
			sessions.DELETE("/:id/items/:productId", g.removeItem)
			sessions.DELETE("/:id/items", g.clearCart)
			sessions.POST("/:id/verification", g.requestVerification)
			sessions.POST("/:id/verification/confirm", g.confirmVerification)
			sessions.POST("/:id/commit", g.commitOrder)
		}

		orders := v1.Group("/orders")
		{
			orders.GET("/:number", g.getOrder)
		}
	}

	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.Server.Port)
	g.logger.Info("Gateway starting", zap.String("address", addr))
	return g.router.Run(addr)
}

func (g *Gateway) health(c *gin.Context) {
	status := http.StatusOK
	deps := gin.H{}
	for name, ping := range g.pingers {
		if err := ping(c.Request.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "deps": deps})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// createOrGetSession resolves a presented identifier or mints a new one.
// A malformed or dead identifier never fails the request.
func (g *Gateway) createOrGetSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			g.fail(c, models.Validationf("invalid request body"))
			return
		}
	}

	id, sess, err := g.identity.Resolve(c.Request.Context(), req.SessionID)
	if err != nil {
		g.fail(c, err)
		return
	}

	if sess != nil {
		c.JSON(http.StatusOK, sessionView(sess))
		return
	}
	// Fresh identifier: the session document appears on first mutation.
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": id,
		"status":    models.SessionOpen,
		"version":   0,
		"items":     []models.CartLine{},
	})
}

func (g *Gateway) getSession(c *gin.Context) {
	sess, err := g.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

type addItemRequest struct {
	Version   int64  `json:"version"`
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity"`
}

func (g *Gateway) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	sess, err := g.ledger.AddItem(c.Request.Context(), c.Param("id"), req.Version, req.ProductID, req.Quantity)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

type batchAddRequest struct {
	Version int64            `json:"version"`
	Items   []cart.BatchItem `json:"items" binding:"required"`
}

func (g *Gateway) batchAdd(c *gin.Context) {
	var req batchAddRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	sess, err := g.ledger.BatchAdd(c.Request.Context(), c.Param("id"), req.Version, req.Items)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

type setQuantityRequest struct {
	Version  int64 `json:"version"`
	Quantity int   `json:"quantity"`
}

func (g *Gateway) setQuantity(c *gin.Context) {
	var req setQuantityRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	sess, err := g.ledger.SetQuantity(c.Request.Context(), c.Param("id"), req.Version, c.Param("productId"), req.Quantity)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

func (g *Gateway) removeItem(c *gin.Context) {
	version, err := versionQuery(c)
	if err != nil {
		g.fail(c, err)
		return
	}

	sess, err := g.ledger.RemoveItem(c.Request.Context(), c.Param("id"), version, c.Param("productId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

func (g *Gateway) clearCart(c *gin.Context) {
	version, err := versionQuery(c)
	if err != nil {
		g.fail(c, err)
		return
	}

	sess, err := g.ledger.Clear(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

type requestVerificationRequest struct {
	Phone string `json:"phone" binding:"required"`
}

func (g *Gateway) requestVerification(c *gin.Context) {
	var req requestVerificationRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	if err := g.gate.RequestCode(c.Request.Context(), c.Param("id"), req.Phone); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "code_sent"})
}

type confirmVerificationRequest struct {
	Version int64  `json:"version"`
	Code    string `json:"code" binding:"required"`
}

func (g *Gateway) confirmVerification(c *gin.Context) {
	var req confirmVerificationRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	sess, err := g.gate.ConfirmCode(c.Request.Context(), c.Param("id"), req.Version, req.Code)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

type commitRequest struct {
	Version int64 `json:"version"`
}

func (g *Gateway) commitOrder(c *gin.Context) {
	var req commitRequest
	if err := c.BindJSON(&req); err != nil {
		g.fail(c, models.Validationf("invalid request body"))
		return
	}

	order, err := g.pipeline.Commit(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (g *Gateway) getOrder(c *gin.Context) {
	order, err := g.orders.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"kind": "NOT_FOUND", "message": "order not found"}})
			return
		}
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func sessionView(sess *models.CartSession) gin.H {
	items := sess.Items
	if items == nil {
		items = []models.CartLine{}
	}
	return gin.H{
		"sessionId":    sess.ID,
		"status":       sess.Status,
		"version":      sess.Version,
		"items":        items,
		"subtotalBani": sess.Subtotal(),
		"verified":     sess.VerificationToken != "",
		"expiresAt":    sess.ExpiresAt,
	}
}

func versionQuery(c *gin.Context) (int64, error) {
	var version int64
	if _, err := fmt.Sscan(c.Query("version"), &version); err != nil {
		return 0, models.Validationf("version query parameter is required")
	}
	return version, nil
}

// fail maps the fault taxonomy onto HTTP statuses. The structured fault
// body carries the conflicting version or failing lines when present.
func (g *Gateway) fail(c *gin.Context, err error) {
	fault := models.AsFault(err)

	var status int
	switch fault.Kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindConflict, models.KindStockOrPriceChanged:
		status = http.StatusConflict
	case models.KindVerificationFailed:
		status = http.StatusForbidden
	case models.KindRateLimited:
		status = http.StatusTooManyRequests
	case models.KindSessionClosed:
		status = http.StatusGone
	case models.KindInfrastructure:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if fault.Kind == models.KindInfrastructure {
		g.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": fault})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

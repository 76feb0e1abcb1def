package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrihedge/hedgecore/internal/contracts"
	"github.com/agrihedge/hedgecore/internal/oracle"
	"github.com/agrihedge/hedgecore/internal/settlement"
)

// Gateway exposes the settlement engine over HTTP and streams price
// ticks over WebSocket.
type Gateway struct {
	router *gin.Engine
	engine *settlement.Engine
	board  *oracle.Board
	logger *zap.Logger
}

// Config holds gateway configuration.
type Config struct {
	Engine *settlement.Engine
	// Board is optional; without it the /ws/prices endpoint is not
	// registered.
	Board  *oracle.Board
	Logger *zap.Logger
}

// New creates the gateway and registers its routes.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	g := &Gateway{
		router: gin.New(),
		engine: cfg.Engine,
		board:  cfg.Board,
		logger: cfg.Logger,
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/contracts", g.openContract)
		v1.GET("/contracts/:id", g.getContract)
		v1.POST("/contracts/:id/settle", g.settleContract)
		v1.POST("/contracts/:id/cancel", g.cancelContract)
		v1.GET("/contracts/:id/valuation", g.valueContract)

		v1.GET("/owners/:id/contracts", g.listContracts)
		v1.GET("/owners/:id/summary", g.ownerSummary)

		v1.GET("/ledger", g.ledgerChain)
		v1.GET("/ledger/info", g.ledgerInfo)
		v1.GET("/ledger/verify", g.ledgerVerify)
		v1.GET("/ledger/blocks/:hash", g.ledgerBlock)

		v1.POST("/settlement/sweep", g.runSweep)

		if g.board != nil {
			v1.GET("/ws/prices", g.streamPrices)
		}
	}
}

// Handler returns the underlying HTTP handler for serving and tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Request/response types

type openContractRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	Commodity      string `json:"commodity" binding:"required"`
	ContractType   string `json:"contract_type" binding:"required"`
	Quantity       string `json:"quantity" binding:"required"`
	LockedPrice    string `json:"locked_price" binding:"required"`
	SettlementDate string `json:"settlement_date" binding:"required"`
}

type settleContractRequest struct {
	FinalPrice string `json:"final_price" binding:"required"`
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) openContract(c *gin.Context) {
	var req openContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner ID"})
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}
	lockedPrice, err := decimal.NewFromString(req.LockedPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid locked price"})
		return
	}
	settlementDate, err := time.Parse("2006-01-02", req.SettlementDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settlement date, want YYYY-MM-DD"})
		return
	}

	contract, err := g.engine.OpenContract(c.Request.Context(), contracts.OpenParams{
		OwnerID:        ownerID,
		Commodity:      contracts.Commodity(req.Commodity),
		Kind:           contracts.Kind(req.ContractType),
		Quantity:       quantity,
		LockedPrice:    lockedPrice,
		SettlementDate: settlementDate,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func (g *Gateway) getContract(c *gin.Context) {
	id, ok := g.contractID(c)
	if !ok {
		return
	}

	contract, err := g.engine.GetContract(id)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (g *Gateway) settleContract(c *gin.Context) {
	id, ok := g.contractID(c)
	if !ok {
		return
	}

	var req settleContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	finalPrice, err := decimal.NewFromString(req.FinalPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid final price"})
		return
	}

	contract, err := g.engine.SettleContract(c.Request.Context(), id, finalPrice)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (g *Gateway) cancelContract(c *gin.Context) {
	id, ok := g.contractID(c)
	if !ok {
		return
	}

	contract, err := g.engine.CancelContract(c.Request.Context(), id)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (g *Gateway) valueContract(c *gin.Context) {
	id, ok := g.contractID(c)
	if !ok {
		return
	}

	valuation, hasPrice, err := g.engine.MarkToMarket(c.Request.Context(), id)
	if err != nil {
		g.renderError(c, err)
		return
	}
	if !hasPrice {
		c.JSON(http.StatusOK, gin.H{"has_price": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_price": true, "valuation": valuation})
}

func (g *Gateway) listContracts(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner ID"})
		return
	}

	var status *contracts.Status
	if raw := c.Query("status"); raw != "" {
		s := contracts.Status(raw)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
		status = &s
	}

	c.JSON(http.StatusOK, gin.H{"contracts": g.engine.ListContracts(ownerID, status)})
}

func (g *Gateway) ownerSummary(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner ID"})
		return
	}
	c.JSON(http.StatusOK, g.engine.Summary(c.Request.Context(), ownerID))
}

func (g *Gateway) ledgerChain(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": g.engine.Ledger().Export()})
}

func (g *Gateway) ledgerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, g.engine.Ledger().Describe())
}

func (g *Gateway) ledgerVerify(c *gin.Context) {
	if err := g.engine.Ledger().Verify(); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (g *Gateway) ledgerBlock(c *gin.Context) {
	block, ok := g.engine.Ledger().FindByHash(c.Param("hash"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, block)
}

func (g *Gateway) runSweep(c *gin.Context) {
	report, err := g.engine.Sweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// WebSocket price streaming

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) streamPrices(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sub := g.board.Subscribe()
	done := make(chan struct{})

	// Reader exists only to notice the peer going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			g.board.Unsubscribe(sub.ID)
			conn.Close()
		}()
		for {
			select {
			case quote := <-sub.Updates:
				if err := conn.WriteJSON(quote); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// Helpers

func (g *Gateway) contractID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (g *Gateway) renderError(c *gin.Context, err error) {
	var validation *contracts.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, contracts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "contract not found"})
	case errors.Is(err, contracts.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		g.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

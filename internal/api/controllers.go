package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"venue-gateway/internal/order"
	"venue-gateway/pkg/db"
	"venue-gateway/pkg/errs"
)

type listOrdersQuery struct {
	Symbol string `form:"symbol"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type listTradesQuery struct {
	Symbol   string `form:"symbol"`
	OrderRef string `form:"order_ref"`
	Limit    int    `form:"limit"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps the gateway error taxonomy onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	var (
		cfgErr  *errs.ConfigError
		subErr  *errs.SubscriptionError
		connErr *errs.ConnectionError
	)
	switch {
	case errors.As(err, &cfgErr):
		respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", err.Error())
	case errors.Is(err, errs.ErrNotReady):
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", err.Error())
	case errors.Is(err, errs.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, errs.ErrInvalidState):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, errs.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.As(err, &subErr):
		respondError(c, http.StatusTooManyRequests, "SUBSCRIPTION_REJECTED", err.Error())
	case errors.Is(err, errs.ErrConnectTimeout):
		respondError(c, http.StatusGatewayTimeout, "CONNECT_TIMEOUT", err.Error())
	case errors.As(err, &connErr):
		respondError(c, http.StatusBadGateway, "CONNECTION_FAILED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getGatewayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GatewayStatus())
}

func (s *Server) connectGateway(c *gin.Context) {
	if err := s.Engine.Connect(c.Request.Context()); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GatewayStatus())
}

func (s *Server) disconnectGateway(c *gin.Context) {
	s.Engine.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, s.Engine.GatewayStatus())
}

func (s *Server) reconnectGateway(c *gin.Context) {
	if err := s.Engine.Reconnect(c.Request.Context()); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GatewayStatus())
}

func (s *Server) submitOrder(c *gin.Context) {
	var req order.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	o, err := s.Engine.SubmitOrder(c.Request.Context(), CurrentUserID(c), req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	ref := c.Param("ref")
	if err := s.Engine.CancelOrder(c.Request.Context(), CurrentUserID(c), ref); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_ref": ref, "status": "cancel_requested"})
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	orders, err := s.Engine.ListOrders(c.Request.Context(), CurrentUserID(c), db.OrderFilter{
		Symbol: q.Symbol,
		Status: q.Status,
		Limit:  normalizeLimit(q.Limit),
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	trades, err := s.Engine.ListTrades(c.Request.Context(), CurrentUserID(c), db.TradeFilter{
		Symbol:   q.Symbol,
		OrderRef: q.OrderRef,
		Limit:    normalizeLimit(q.Limit),
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.ListPositions(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

package engine

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
)

// GinHandlers contains HTTP handlers for engine endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for engine endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

// SubmitIntentHandler handles POST /api/v1/intents
// The intent_id in the body is the idempotency key: resubmitting it is
// answered with 409 and never reaches the exchange twice.
func (h *GinHandlers) SubmitIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in types.OrderIntent
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		in.Symbol = strings.ToUpper(in.Symbol)

		res, err := h.engine.SubmitIntent(c.Request.Context(), in)
		response.Handle(c, res, err)
	}
}

// OpenIntentsHandler handles GET /api/v1/intents/open
func (h *GinHandlers) OpenIntentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		intents, err := h.engine.GetOpenIntents(c.Request.Context())
		response.Handle(c, intents, err)
	}
}

// PositionStateHandler handles GET /api/v1/positions/:symbol
func (h *GinHandlers) PositionStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		state, err := h.engine.GetPositionState(c.Request.Context(), symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if len(state.Positions) == 0 && len(state.Cooldowns) == 0 {
			response.NotFound(c, "No open position for "+symbol)
			return
		}
		response.Success(c, state)
	}
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// ClosePositionHandler handles POST /api/v1/positions/:symbol/:side/close
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		symbol := strings.ToUpper(c.Param("symbol"))
		side := types.Side(strings.ToLower(c.Param("side")))
		rec, err := h.engine.ClosePosition(c.Request.Context(), symbol, side, req.Reason)
		if types.CodeOf(err) == "unknown_position" {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, rec, err)
	}
}

// HistoryHandler handles GET /api/v1/trades/history?limit=N
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		trades, err := h.engine.History(c.Request.Context(), limit)
		response.Handle(c, trades, err)
	}
}

// HealthHandler handles GET /health
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := h.engine.Health(c.Request.Context())
		if !health.Healthy() {
			c.JSON(http.StatusServiceUnavailable, response.Response{Success: false, Data: health})
			return
		}
		response.Success(c, health)
	}
}

package market

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
)

// PriceSink receives every pushed price, e.g. a paper venue.
type PriceSink func(symbol string, price float64)

// GinHandlers accepts snapshots from the indicator collaborator
type GinHandlers struct {
	feed  *Static
	sinks []PriceSink
}

// NewGinHandlers creates snapshot handlers that feed feed and every sink.
func NewGinHandlers(feed *Static, sinks ...PriceSink) *GinHandlers {
	return &GinHandlers{
		feed:  feed,
		sinks: sinks,
	}
}

// SnapshotHandler handles POST /api/v1/market/snapshots
func (h *GinHandlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var snap Snapshot
		if err := c.ShouldBindJSON(&snap); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		snap.Symbol = strings.ToUpper(snap.Symbol)
		if snap.Symbol == "" || snap.Price <= 0 || snap.ATR < 0 {
			response.BadRequest(c, "snapshot needs a symbol, a positive price and a non-negative atr")
			return
		}

		h.feed.Set(snap)
		for _, sink := range h.sinks {
			sink(snap.Symbol, snap.Price)
		}
		log.Debug().
			Str("component", "market").
			Str("symbol", snap.Symbol).
			Float64("price", snap.Price).
			Float64("atr", snap.ATR).
			Msg("snapshot received")
		response.Success(c, snap)
	}
}

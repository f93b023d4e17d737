// Package api exposes the bar service over HTTP: an echo JSON read API, a
// websocket push stream and the Prometheus scrape endpoint.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"kbarstore/internal/barsvc"
	"kbarstore/internal/market"
)

// Handler wires the bar service endpoints into an echo instance.
type Handler struct {
	svc    *barsvc.Service
	hub    *Hub
	logger *zap.Logger
}

func NewHandler(svc *barsvc.Service, hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, logger: logger}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/bars", h.Bars)
	g.GET("/inventory", h.Inventory)
	g.GET("/status", h.Status)

	e.GET("/ws", h.hub.Serve)
}

type barsRequest struct {
	Interval string `query:"interval" default:"1m" validate:"oneof=1m 5m 15m 30m 60m 1d"`
	Session  string `query:"session" default:"day" validate:"oneof=day night full"`
	Days     int    `query:"days" default:"30" validate:"gt=0,lte=1000"`
	Code     string `query:"code" validate:"omitempty,alphanum,max=16"`
}

// BarPayload is the wire form of one bar. Stored minutes carry UTC
// timestamps; aggregated buckets carry their exchange-local label.
type BarPayload struct {
	Ts     time.Time `json:"ts"`
	Code   string    `json:"code,omitempty"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	Bid    float64   `json:"bid,omitempty"`
	Ask    float64   `json:"ask,omitempty"`
}

// BarsPayload echoes the resolved query next to the bars it selected.
type BarsPayload struct {
	Interval string       `json:"interval"`
	Session  string       `json:"session"`
	Days     int          `json:"days"`
	Code     string       `json:"code,omitempty"`
	Count    int          `json:"count"`
	Bars     []BarPayload `json:"bars"`
}

// Bars serves resampled bars for one interval and session view.
func (h *Handler) Bars(c echo.Context) error {
	req := &barsRequest{}
	if verr := bindQuery(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	bars, err := h.svc.GetBars(c.Request().Context(),
		market.Interval(req.Interval), market.Session(req.Session), req.Days, req.Code)
	if err != nil {
		h.logger.Error("bars query failed", zap.Error(err))
		return serverErrorResponse(c)
	}

	return successResponse(c, BarsPayload{
		Interval: req.Interval,
		Session:  req.Session,
		Days:     req.Days,
		Code:     req.Code,
		Count:    len(bars),
		Bars:     toBarPayloads(bars),
	})
}

type inventoryRequest struct {
	Session string `query:"session" default:"day" validate:"oneof=day night full"`
	Days    int    `query:"days" default:"30" validate:"gt=0,lte=366"`
}

// InventoryPayload lists per-trading-day coverage, newest first.
type InventoryPayload struct {
	Session string               `json:"session"`
	Rows    []barsvc.CoverageDay `json:"rows"`
}

// Inventory reports stored coverage per trading day without triggering a
// refill.
func (h *Handler) Inventory(c echo.Context) error {
	req := &inventoryRequest{}
	if verr := bindQuery(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	rows, err := h.svc.Inventory(c.Request().Context(), market.Session(req.Session), req.Days)
	if err != nil {
		h.logger.Error("inventory query failed", zap.Error(err))
		return serverErrorResponse(c)
	}

	return successResponse(c, InventoryPayload{Session: req.Session, Rows: rows})
}

// Status reports the market state and stored-data freshness.
func (h *Handler) Status(c echo.Context) error {
	info, err := h.svc.CurrentStatus(c.Request().Context())
	if err != nil {
		h.logger.Error("status query failed", zap.Error(err))
		return serverErrorResponse(c)
	}
	return successResponse(c, info)
}

func toBarPayloads(bars []market.Bar) []BarPayload {
	out := make([]BarPayload, len(bars))
	for i, b := range bars {
		out[i] = BarPayload{
			Ts:     b.Timestamp,
			Code:   b.Code,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
			Bid:    b.BidPrice,
			Ask:    b.AskPrice,
		}
	}
	return out
}

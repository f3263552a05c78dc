package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/metrics"
	"github.com/bookstore-platform/settlement-service/pkg/shutdown"
)

// Handler is the synchronous surface: status queries over the store plus a
// manual re-trigger that goes through the same idempotent settlement path as
// broker deliveries.
type Handler struct {
	log           *slog.Logger
	service       *application.Service
	met           *metrics.Counters
	group         *shutdown.Group
	tracer        trace.Tracer
	settleTimeout time.Duration
}

func NewHandler(log *slog.Logger, service *application.Service, met *metrics.Counters, group *shutdown.Group, settleTimeout time.Duration) *Handler {
	return &Handler{
		log:           log,
		service:       service,
		met:           met,
		group:         group,
		tracer:        otel.Tracer("settlement-http"),
		settleTimeout: settleTimeout,
	}
}

type processReq struct {
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/payments/process", h.processPayment)
	r.Get("/payments/{id}", h.getPayment)
	r.Get("/metrics", h.getMetrics)
	r.Get("/health", h.getHealth)
	r.Get("/health/ready", h.getReady)

	return r
}

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessPayment")
	defer span.End()

	var req processReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}

	// Settle runs detached from the request: the claim in the store makes the
	// manual path exactly as idempotent as a broker redelivery.
	link := trace.LinkFromContext(ctx)
	h.group.Go(func() {
		settleCtx, cancel := context.WithTimeout(context.Background(), h.settleTimeout)
		defer cancel()
		settleCtx, span := h.tracer.Start(settleCtx, "ManualSettle", trace.WithLinks(link))
		defer span.End()

		if _, err := h.service.Settle(settleCtx, req.OrderID, req.Amount); err != nil {
			h.log.Error("manual settlement failed", "order_id", req.OrderID, "err", err)
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Pago en procesamiento",
	})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetPayment")
	defer span.End()

	id := chi.URLParam(r, "id")
	rec, err := h.service.Status(ctx, id)
	if errors.Is(err, application.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Pago no encontrado"})
		return
	}
	if err != nil {
		h.log.Error("status query failed", "order_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Error consultando pago"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      rec.OrderID,
		"status":  rec.Status,
		"message": "Pago encontrado",
	})
}

func (h *Handler) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "settlement-service",
	})
}

func (h *Handler) getReady(w http.ResponseWriter, r *http.Request) {
	// A NotFound still proves the status store answered the round trip.
	_, err := h.service.Status(r.Context(), "healthcheck")
	if err != nil && !errors.Is(err, application.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"service": "settlement-service",
	})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.met.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Package httpapi exposes the engine's computed prices over HTTP+JSON. The
// API is compute-only: documents are created and mutated by the owning
// system, this surface only answers price questions and triggers
// recalculations.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
	"github.com/merchkit/tax-engine/internal/tax/recalc"
)

// Handler serves the document pricing endpoints.
type Handler struct {
	documents document.Repository
	engine    *recalc.Engine
}

// NewHandler constructs a Handler with its domain dependencies.
func NewHandler(documents document.Repository, engine *recalc.Engine) *Handler {
	return &Handler{documents: documents, engine: engine}
}

// Routes mounts the pricing endpoints on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/documents/{token}", func(r chi.Router) {
		r.Get("/total", h.Total)
		r.Get("/subtotal", h.Subtotal)
		r.Get("/shipping", h.Shipping)
		r.Get("/lines/{lineID}", h.Line)
		r.Post("/recalculate", h.Recalculate)
	})
}

type taxedJSON struct {
	Net      decimal.Decimal `json:"net"`
	Gross    decimal.Decimal `json:"gross"`
	Tax      decimal.Decimal `json:"tax"`
	Currency string          `json:"currency"`
}

func toTaxedJSON(ta money.TaxedAmount) taxedJSON {
	return taxedJSON{
		Net:      ta.Net.Amount,
		Gross:    ta.Gross.Amount,
		Tax:      ta.Tax().Amount,
		Currency: ta.Net.Currency,
	}
}

type lineJSON struct {
	LineID string          `json:"line_id"`
	Total  taxedJSON       `json:"total"`
	Unit   taxedJSON       `json:"unit"`
	Rate   decimal.Decimal `json:"rate"`
}

func toLineJSON(lr tax.LineResult) lineJSON {
	return lineJSON{
		LineID: lr.LineID,
		Total:  toTaxedJSON(lr.Total),
		Unit:   toTaxedJSON(lr.Unit),
		Rate:   lr.Rate,
	}
}

type lineErrorJSON struct {
	LineID string `json:"line_id,omitempty"`
	Error  string `json:"error"`
}

type recalcJSON struct {
	Lines             []lineJSON      `json:"lines"`
	Shipping          *taxedJSON      `json:"shipping,omitempty"`
	Total             taxedJSON       `json:"total"`
	UndiscountedTotal taxedJSON       `json:"undiscounted_total"`
	Errors            []lineErrorJSON `json:"errors,omitempty"`
	Degraded          bool            `json:"degraded"`
	Recomputed        bool            `json:"recomputed"`
}

// Total handles GET /v1/documents/{token}/total.
func (h *Handler) Total(w http.ResponseWriter, r *http.Request) {
	h.serveAmount(w, r, h.engine.ComputeTotal)
}

// Subtotal handles GET /v1/documents/{token}/subtotal.
func (h *Handler) Subtotal(w http.ResponseWriter, r *http.Request) {
	h.serveAmount(w, r, h.engine.ComputeSubtotal)
}

// Shipping handles GET /v1/documents/{token}/shipping.
func (h *Handler) Shipping(w http.ResponseWriter, r *http.Request) {
	h.serveAmount(w, r, h.engine.ComputeShipping)
}

func (h *Handler) serveAmount(
	w http.ResponseWriter, r *http.Request,
	compute func(context.Context, *document.Document) (money.TaxedAmount, error),
) {
	ctx := r.Context()
	doc, err := h.documents.Load(ctx, chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	amount, err := compute(ctx, doc)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, toTaxedJSON(amount))
}

// Line handles GET /v1/documents/{token}/lines/{lineID}.
func (h *Handler) Line(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.documents.Load(ctx, chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	result, err := h.engine.ComputeLine(ctx, doc, chi.URLParam(r, "lineID"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, toLineJSON(result))
}

// Recalculate handles POST /v1/documents/{token}/recalculate. A partial
// success (some lines degraded to stored prices) is still a 200; the
// response carries the per-line errors and the degraded flag.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.documents.Load(ctx, chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	result, err := h.engine.Recalculate(ctx, doc)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if result.Recomputed {
		if err := h.documents.SavePrices(ctx, doc); err != nil {
			h.writeError(ctx, w, err)
			return
		}
	}

	resp := recalcJSON{
		Total:             toTaxedJSON(result.Total),
		UndiscountedTotal: toTaxedJSON(result.UndiscountedTotal),
		Degraded:          result.Degraded,
		Recomputed:        result.Recomputed,
		Lines:             make([]lineJSON, len(result.Lines)),
	}
	for i, lr := range result.Lines {
		resp.Lines[i] = toLineJSON(lr)
	}
	if doc.Shipping != nil {
		shipping := toTaxedJSON(result.Shipping)
		resp.Shipping = &shipping
	}
	for _, le := range result.Errors {
		resp.Errors = append(resp.Errors, lineErrorJSON{LineID: le.LineID, Error: le.Err.Error()})
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

type errorJSON struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors to HTTP statuses: unknown tokens and lines
// are 404, document validation failures are 422 (the only error class whose
// message is user-facing), anything else is a 500 with a generic message.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		writeJSON(ctx, w, http.StatusNotFound, errorJSON{
			Code:    http.StatusNotFound,
			Message: "document not found",
		})
	case errors.Is(err, recalc.ErrLineNotFound):
		writeJSON(ctx, w, http.StatusNotFound, errorJSON{
			Code:    http.StatusNotFound,
			Message: "line not found",
		})
	case document.IsValidationError(err):
		writeJSON(ctx, w, http.StatusUnprocessableEntity, errorJSON{
			Code:    http.StatusUnprocessableEntity,
			Message: err.Error(),
		})
	default:
		zctx.From(ctx).Error("request failed", zap.Error(err))
		writeJSON(ctx, w, http.StatusInternalServerError, errorJSON{
			Code:    http.StatusInternalServerError,
			Message: "internal error",
		})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(ctx).Warn("encoding response", zap.Error(err))
	}
}

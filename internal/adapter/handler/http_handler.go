package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/observability"
)

const maxBodyBytes = 1 << 20

// LedgerService is what the transports need from the core.
type LedgerService interface {
	RegisterStockItem(ctx context.Context, in domain.RegisterInput) (domain.StockItem, error)
	GetStockItem(ctx context.Context, id domain.StockItemID) (domain.StockItem, error)
	SetAlertThreshold(ctx context.Context, id domain.StockItemID, threshold int64) (domain.StockItem, error)
	RetireStockItem(ctx context.Context, id domain.StockItemID) (domain.StockItem, error)
	RemoveStockItem(ctx context.Context, id domain.StockItemID) error
	CachedQuantity(ctx context.Context, id domain.StockItemID) (int64, error)
	RecordRestock(ctx context.Context, in service.RestockInput) (int64, error)
	RecordDamage(ctx context.Context, in service.DamageInput) (int64, error)
	RecordSale(ctx context.Context, in service.RecordSaleInput) (domain.Sale, error)
	GetSale(ctx context.Context, id uuid.UUID) (domain.Sale, error)
	ReturnItem(ctx context.Context, in service.ReturnInput) (domain.Sale, error)
	CancelSale(ctx context.Context, in service.CancelInput) (domain.Sale, error)
	IsLowStock(ctx context.Context, id domain.StockItemID) (bool, error)
	ListLowStock(kind *domain.ItemKind) iter.Seq[domain.StockItem]
	History(ctx context.Context, id domain.StockItemID) ([]domain.InventoryEvent, error)
	Activity(ctx context.Context, id domain.StockItemID, from, to time.Time) (domain.Activity, error)
	Verify(ctx context.Context, id domain.StockItemID) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

type HTTPHandler struct {
	ledger  LedgerService
	logger  *zap.Logger
	metrics *observability.Metrics
	checks  map[string]Pinger
}

func NewHTTPHandler(ledger LedgerService, logger *zap.Logger, metrics *observability.Metrics, checks map[string]Pinger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{ledger: ledger, logger: logger, metrics: metrics, checks: checks}
}

// Routes builds the HTTP API. Without explicit middlewares it installs
// MiddlewareStack with defaults.
func (h *HTTPHandler) Routes(middlewares ...func(http.Handler) http.Handler) http.Handler {
	if len(middlewares) == 0 {
		middlewares = MiddlewareStack(MiddlewareConfig{Logger: h.logger, Metrics: h.metrics})
	}
	r := chi.NewRouter()
	r.Use(middlewares...)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/items", h.RegisterItem)
		r.Get("/low-stock", h.ListLowStock)
		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", h.GetItem)
			r.Delete("/", h.RemoveItem)
			r.Put("/threshold", h.SetThreshold)
			r.Post("/retire", h.RetireItem)
			r.Post("/restock", h.Restock)
			r.Post("/damage", h.Damage)
			r.Get("/stock", h.GetStock)
			r.Get("/low-stock", h.IsLowStock)
			r.Get("/history", h.History)
			r.Get("/activity", h.Activity)
			r.Get("/verify", h.Verify)
		})
		r.Post("/sales", h.RecordSale)
		r.Get("/sales/{saleID}", h.GetSale)
		r.Post("/sales/{saleID}/cancel", h.CancelSale)
		r.Post("/sale-items/{saleItemID}/return", h.ReturnItem)
	})
	return r
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req RegisterItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.ledger.RegisterStockItem(r.Context(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newItemResponse(item))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.ledger.GetStockItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.ledger.RemoveStockItem(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.ledger.SetAlertThreshold(r.Context(), id, *req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) RetireItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.ledger.RetireStockItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req RestockRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := h.ledger.RecordRestock(r.Context(), service.RestockInput{
		ItemID:    id,
		Quantity:  req.Quantity,
		ActorID:   req.ActorID,
		Note:      req.Note,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuantityResponse{ItemID: int64(id), Quantity: qty})
}

func (h *HTTPHandler) Damage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req DamageRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := h.ledger.RecordDamage(r.Context(), service.DamageInput{
		ItemID:    id,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		ActorID:   req.ActorID,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuantityResponse{ItemID: int64(id), Quantity: qty})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	qty, err := h.ledger.CachedQuantity(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuantityResponse{ItemID: int64(id), Quantity: qty})
}

func (h *HTTPHandler) IsLowStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	low, err := h.ledger.IsLowStock(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LowStockResponse{ItemID: int64(id), LowStock: low})
}

func (h *HTTPHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	req := LowStockRequest{Kind: r.URL.Query().Get("kind")}
	if err := validate.Struct(req); err != nil {
		h.writeValidation(w, err)
		return
	}
	var kind *domain.ItemKind
	if req.Kind != "" {
		k := domain.ItemKind(req.Kind)
		kind = &k
	}

	resp := ItemListResponse{Items: []ItemResponse{}}
	for item := range h.ledger.ListLowStock(kind) {
		resp.Items = append(resp.Items, newItemResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	events, err := h.ledger.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryResponse(id, events))
}

// Activity defaults to the current UTC day.
func (h *HTTPHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	from, to := currentDay(time.Now())

	fields := map[string]string{}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields["from"] = "must be an RFC 3339 timestamp"
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields["to"] = "must be an RFC 3339 timestamp"
		}
		to = t
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid query", Fields: fields})
		return
	}

	act, err := h.ledger.Activity(r.Context(), id, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newActivityResponse(act))
}

func (h *HTTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Verify(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrLedgerDrift) {
			h.logger.Error("ledger drift detected", zap.Int64("item_id", int64(id)), zap.Error(err))
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{ItemID: int64(id), Consistent: true})
}

func (h *HTTPHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req RecordSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.ledger.RecordSale(r.Context(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSaleResponse(sale))
}

func (h *HTTPHandler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "saleID")
	if !ok {
		return
	}
	sale, err := h.ledger.GetSale(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

func (h *HTTPHandler) ReturnItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "saleItemID")
	if !ok {
		return
	}
	var req ReturnRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.ledger.ReturnItem(r.Context(), service.ReturnInput{
		SaleItemID: id,
		Quantity:   req.Quantity,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

func (h *HTTPHandler) CancelSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "saleID")
	if !ok {
		return
	}
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.ledger.CancelSale(r.Context(), service.CancelInput{
		SaleID:  id,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unhealthy", Fields: failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.writeValidation(w, err)
		return false
	}
	return true
}

func (h *HTTPHandler) writeValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request"})
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "validation failed", Fields: fields})
}

func (h *HTTPHandler) itemID(w http.ResponseWriter, r *http.Request) (domain.StockItemID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid item id"})
		return 0, false
	}
	return domain.StockItemID(id), true
}

func (h *HTTPHandler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Error: publicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

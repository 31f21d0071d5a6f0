package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/boutique-system/internal/middleware"
	"github.com/mmeshcher/boutique-system/internal/model"
	"github.com/mmeshcher/boutique-system/internal/service"
)

type saleLineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

type createSaleRequest struct {
	ClientID      *int64            `json:"client_id"`
	PaymentMethod string            `json:"payment_method"`
	AmountPaid    *decimal.Decimal  `json:"amount_paid"`
	Lines         []saleLineRequest `json:"lines"`
}

type saleLineResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   string  `json:"unit_price"`
	Subtotal    string  `json:"subtotal"`
	CancelledAt *string `json:"cancelled_at,omitempty"`
}

type saleResponse struct {
	ID             int64              `json:"id"`
	Client         *clientResponse    `json:"client,omitempty"`
	PaymentMethod  string             `json:"payment_method"`
	Status         string             `json:"status"`
	Total          string             `json:"total"`
	AmountPaid     *string            `json:"amount_paid,omitempty"`
	Change         *string            `json:"change,omitempty"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
	ConfirmedAt    *string            `json:"confirmed_at,omitempty"`
	DispatchedAt   *string            `json:"dispatched_at,omitempty"`
	DeliveredAt    *string            `json:"delivered_at,omitempty"`
	CancelledAt    *string            `json:"cancelled_at,omitempty"`
	CreatedAt      string             `json:"created_at"`
	Lines          []saleLineResponse `json:"lines"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func formatDecimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}

func toSaleLineResponse(l model.SaleLine) saleLineResponse {
	return saleLineResponse{
		ID:          l.ID,
		ProductID:   l.ProductID,
		ProductName: l.ProductName,
		Quantity:    l.Quantity,
		UnitPrice:   l.UnitPrice.StringFixed(2),
		Subtotal:    l.Subtotal.StringFixed(2),
		CancelledAt: formatTimePtr(l.CancelledAt),
	}
}

func toSaleResponse(s model.Sale) saleResponse {
	resp := saleResponse{
		ID:             s.ID,
		PaymentMethod:  string(s.PaymentMethod),
		Status:         string(s.Status),
		Total:          s.Total.StringFixed(2),
		AmountPaid:     formatDecimalPtr(s.AmountPaid),
		Change:         formatDecimalPtr(s.Change),
		TrackingNumber: s.TrackingNumber,
		ConfirmedAt:    formatTimePtr(s.ConfirmedAt),
		DispatchedAt:   formatTimePtr(s.DispatchedAt),
		DeliveredAt:    formatTimePtr(s.DeliveredAt),
		CancelledAt:    formatTimePtr(s.CancelledAt),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		Lines:          make([]saleLineResponse, 0, len(s.Lines)),
	}

	if s.Client != nil {
		c := toClientResponse(*s.Client)
		resp.Client = &c
	}

	for _, l := range s.Lines {
		resp.Lines = append(resp.Lines, toSaleLineResponse(l))
	}

	return resp
}

// CreateSale создаёт продажу из корзины текущего запроса.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.CreateSaleInput{
		ClientID:      req.ClientID,
		PaymentMethod: req.PaymentMethod,
		AmountPaid:    req.AmountPaid,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, service.SaleLineInput{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
		})
	}

	sale, err := h.service.CreateSale(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toSaleResponse(*sale))
}

// ListSales возвращает все продажи. Только для администратора.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.service.ListSales(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for _, s := range sales {
		resp = append(resp, toSaleResponse(s))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// MySales возвращает продажи клиента, привязанного к текущему пользователю.
func (h *Handler) MySales(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sales, err := h.service.ListSalesForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for _, s := range sales {
		resp = append(resp, toSaleResponse(s))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// canViewSale сообщает, вправе ли текущий пользователь видеть продажу.
// Продажа видна администратору и покупателю, на чью учётную запись она оформлена.
func canViewSale(r *http.Request, sale *model.Sale) bool {
	role, ok := middleware.GetRoleFromContext(r.Context())
	if ok && role == model.RoleAdmin {
		return true
	}

	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		return false
	}

	return sale.Client != nil && sale.Client.UserID != nil && *sale.Client.UserID == userID
}

// GetSale возвращает продажу по идентификатору.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !canViewSale(r, sale) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	h.writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

// GetSaleLines возвращает строки продажи.
func (h *Handler) GetSaleLines(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !canViewSale(r, sale) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	resp := make([]saleLineResponse, 0, len(sale.Lines))
	for _, l := range sale.Lines {
		resp = append(resp, toSaleLineResponse(l))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type updateSaleRequest struct {
	Status         *string `json:"status"`
	TrackingNumber *string `json:"tracking_number"`
}

// UpdateSale обновляет метаданные продажи: статус и/или трек-номер.
func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.UpdateSale(r.Context(), id, service.UpdateSaleInput{
		Status:         req.Status,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

type changeStatusRequest struct {
	Status string `json:"status"`
}

// ChangeSaleStatus переводит продажу в новый статус. Только для администратора.
func (h *Handler) ChangeSaleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.ChangeSaleStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

// CancelSale отменяет продажу с восстановлением остатков. Только для администратора.
func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.CancelSale(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

// SoftRemoveSale помечает продажу и её строки удалёнными. Только для администратора.
func (h *Handler) SoftRemoveSale(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SoftDeleteSale(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type purgeResponse struct {
	Removed int64 `json:"removed"`
}

// PurgeCancelledSales удаляет все отменённые продажи. Только для администратора.
func (h *Handler) PurgeCancelledSales(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.PurgeCancelledSales(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, purgeResponse{Removed: count})
}

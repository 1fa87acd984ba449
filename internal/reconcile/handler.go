package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/platform/httpx"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// ActorHeader carries the operator id of a request.
const ActorHeader = "X-Actor-ID"

// EventHeader carries the idempotency key when the body does not.
const EventHeader = "Idempotency-Key"

// Handler exposes the reconciliation engine as a JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the reconcile handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the reconcile API under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(actorContext)

		r.Post("/sales", h.handleRecordSale)
		r.Get("/entries/{id}", h.handleGetEntry)
		r.Put("/entries/{id}", h.handleEditSale)
		r.Delete("/entries/{id}", h.handleDeleteSale)

		r.Post("/receipts", h.handleRecordReceipt)
		r.Get("/receipts/{id}", h.handleGetReceipt)
		r.Put("/receipts/{id}", h.handleEditReceipt)
		r.Delete("/receipts/{id}", h.handleDeleteReceipt)

		r.Post("/transfers", h.handleTransfer)

		r.Post("/payments", h.handleRecordPayment)
		r.Get("/payments/{ref}", h.handleGetPayment)
		r.Put("/payments/{ref}", h.handleEditPayment)
		r.Delete("/payments/{ref}", h.handleDeletePayment)

		r.Get("/chain", h.handleChain)
		r.Get("/chain/closing", h.handleClosing)
		r.Get("/chain/receipts", h.handleReceipts)
		r.Get("/ledgers/{book}", h.handleLedger)
		r.Get("/ledgers/{book}/balance", h.handleBalance)

		r.Get("/brands", h.handleListBrands)
		r.Post("/brands", h.handleSaveBrand)
		r.Post("/shops", h.handleCreateShop)
		r.Get("/shops/{id}", h.handleGetShop)
		r.Put("/shops/{id}/targets", h.handleSetTargets)

		r.Get("/integrity", h.handleVerifyAll)
		r.Post("/integrity/rebuild", h.handleRebuild)
	})
}

func actorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := strings.TrimSpace(r.Header.Get(ActorHeader)); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				httpx.TypedProblem(w, http.StatusBadRequest, string(KindValidation), "Invalid actor", "X-Actor-ID must be a positive integer")
				return
			}
			r = r.WithContext(shared.ContextWithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var in saleInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.RecordSale(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"entry":     viewEntry(res.Entry),
		"backdated": res.Backdated,
		"cascaded":  viewEntries(res.Cascaded),
		"ledger":    viewRows(res.Ledger),
	})
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	entry, err := h.service.Entry(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewEntry(entry))
}

func (h *Handler) handleEditSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var in saleEditInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	res, err := h.service.EditSale(r.Context(), in.request(shared.ActorFromContext(r.Context()), id))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entry":    viewEntry(res.Entry),
		"cascaded": viewEntries(res.Cascaded),
		"ledger":   viewRows(res.Ledger),
	})
}

func (h *Handler) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	res, err := h.service.DeleteSale(r.Context(), eventID(r, ""), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"cascaded": viewEntries(res.Cascaded),
		"moved_to": res.MovedTo,
	})
}

func (h *Handler) handleRecordReceipt(w http.ResponseWriter, r *http.Request) {
	var in receiptInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.RecordReceipt(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiptPayload(res))
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	rc, err := h.service.Receipt(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewReceipt(rc))
}

func (h *Handler) handleEditReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var in receiptInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.EditReceipt(r.Context(), id, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptPayload(res))
}

func (h *Handler) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	res, err := h.service.DeleteReceipt(r.Context(), eventID(r, ""), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptPayload(res))
}

func receiptPayload(res ReceiptResult) map[string]any {
	out := map[string]any{
		"receipt":  viewReceipt(res.Receipt),
		"cascaded": viewEntries(res.Cascaded),
		"ledger":   viewRows(res.Ledger),
	}
	if res.Entry != nil {
		out["entry"] = viewEntry(*res.Entry)
	}
	if res.Shop != nil {
		out["shop"] = viewShop(*res.Shop)
	}
	return out
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in transferInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.Transfer(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := map[string]any{
		"transfer": transferView{
			ID:         res.Transfer.ID,
			Code:       res.Transfer.Code,
			FromShopID: res.Transfer.FromShopID,
			ToShopID:   res.Transfer.ToShopID,
			BrandName:  res.Transfer.BrandName,
			VolumeML:   res.Transfer.VolumeML,
			Cases:      res.Transfer.Cases,
			Pieces:     res.Transfer.Pieces,
			Date:       res.Transfer.Date.Format(shared.DateLayout),
		},
		"source":  viewEntry(res.Source),
		"receipt": viewReceipt(res.Receipt),
	}
	if res.Destination != nil {
		out["destination"] = viewEntry(*res.Destination)
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var in paymentInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.RecordPayment(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"ref": res.Ref, "rows": viewRows(res.Rows)})
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Payment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ref": res.Ref, "rows": viewRows(res.Rows)})
}

func (h *Handler) handleEditPayment(w http.ResponseWriter, r *http.Request) {
	var in paymentInput
	if !h.decode(w, r, &in) {
		return
	}
	in.EventID = eventID(r, in.EventID)
	req, err := in.request(shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.EditPayment(r.Context(), chi.URLParam(r, "ref"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ref": res.Ref, "rows": viewRows(res.Rows)})
}

func (h *Handler) handleDeletePayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := h.service.DeletePayment(r.Context(), eventID(r, ""), shared.ActorFromContext(r.Context()), ref); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChain(w http.ResponseWriter, r *http.Request) {
	key, err := chainKeyFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	from, to, err := rangeFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	entries, err := h.service.Chain(r.Context(), key, from, to)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"key": key.String(), "entries": viewEntries(entries)})
}

func (h *Handler) handleClosing(w http.ResponseWriter, r *http.Request) {
	key, err := chainKeyFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	val, err, _ := singleflightRead(r.Context(), "closing:"+key.String(), func(ctx context.Context) (any, error) {
		return h.service.Closing(ctx, key)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, val)
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request) {
	key, err := chainKeyFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	receipts, err := h.service.Receipts(r.Context(), key, pending)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"key": key.String(), "receipts": viewReceipts(receipts)})
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	key, err := ledgerKeyFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	from, to, err := rangeFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rows, err := h.service.Ledger(r.Context(), key, from, to)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"book": key.Book(), "key": key.String(), "rows": viewRows(rows)})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	key, err := ledgerKeyFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	val, err, _ := singleflightRead(r.Context(), "balance:"+key.LockName(), func(ctx context.Context) (any, error) {
		return h.service.Balance(ctx, key)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, val)
}

func (h *Handler) handleListBrands(w http.ResponseWriter, r *http.Request) {
	brands, err := h.service.Brands(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]brandView, len(brands))
	for i, b := range brands {
		out[i] = viewBrand(b)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"brands": out})
}

func (h *Handler) handleSaveBrand(w http.ResponseWriter, r *http.Request) {
	var in brandInput
	if !h.decode(w, r, &in) {
		return
	}
	saved, err := h.service.SaveBrand(r.Context(), shared.ActorFromContext(r.Context()), in.brand())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewBrand(saved))
}

func (h *Handler) handleCreateShop(w http.ResponseWriter, r *http.Request) {
	var in shopInput
	if !h.decode(w, r, &in) {
		return
	}
	shop, err := h.service.CreateShop(r.Context(), shared.ActorFromContext(r.Context()), in.shop())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, viewShop(shop))
}

func (h *Handler) handleGetShop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	shop, err := h.service.Shop(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewShop(shop))
}

func (h *Handler) handleSetTargets(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var in targetsInput
	if !h.decode(w, r, &in) {
		return
	}
	shop, err := h.service.SetShopTargets(r.Context(), shared.ActorFromContext(r.Context()), quotaTargets(id, in))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewShop(shop))
}

func (h *Handler) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	violations, err := h.service.VerifyAll(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if violations == nil {
		violations = []Violation{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": len(violations) == 0, "violations": violations})
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var in rebuildInput
	if !h.decode(w, r, &in) {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	var (
		res RebuildResult
		err error
	)
	if in.Book != "" {
		var key ledger.Key
		key, err = ledger.ParseKey(ledger.Book(in.Book), in.Key)
		if err != nil {
			h.respondError(w, r, errors.Join(ErrValidation, err))
			return
		}
		res, err = h.service.RebuildLedger(r.Context(), actor, key)
	} else {
		res, err = h.service.RebuildChain(r.Context(), actor, stock.NewKey(in.ShopID, in.BrandName, in.VolumeML))
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

// decode reads and validates a JSON body, writing a problem response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.TypedProblem(w, http.StatusBadRequest, string(KindValidation), "Invalid request body", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			httpx.TypedProblem(w, http.StatusBadRequest, string(KindValidation), "Validation Failed", strings.Join(msgs, "; "))
			return false
		}
		httpx.TypedProblem(w, http.StatusBadRequest, string(KindValidation), "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.TypedProblem(w, http.StatusBadRequest, string(KindValidation), "Invalid id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// respondError maps err onto an RFC7807 response carrying its failure kind.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := StatusOf(kind)
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("reconcile request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		detail = "the operation could not be completed, retry later"
	}
	httpx.TypedProblem(w, status, string(kind), http.StatusText(status), detail)
}

// StatusOf maps a failure kind to its HTTP status.
func StatusOf(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case KindDuplicate, KindIntegrity:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func eventID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get(EventHeader))
}

func chainKeyFromQuery(r *http.Request) (stock.Key, error) {
	q := r.URL.Query()
	shopID, err := strconv.ParseInt(q.Get("shop_id"), 10, 64)
	if err != nil {
		return stock.Key{}, fmt.Errorf("%w: shop_id must be an integer", ErrValidation)
	}
	volume, err := strconv.Atoi(q.Get("volume_ml"))
	if err != nil {
		return stock.Key{}, fmt.Errorf("%w: volume_ml must be an integer", ErrValidation)
	}
	return stock.NewKey(shopID, q.Get("brand"), volume), nil
}

func ledgerKeyFromRequest(r *http.Request) (ledger.Key, error) {
	book := ledger.Book(chi.URLParam(r, "book"))
	raw := r.URL.Query().Get("key")
	if raw == "" {
		raw = ledger.TagAll
	}
	key, err := ledger.ParseKey(book, raw)
	if err != nil {
		return ledger.Key{}, errors.Join(ErrValidation, err)
	}
	return key, nil
}

func rangeFromQuery(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}

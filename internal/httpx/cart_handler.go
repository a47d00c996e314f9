package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/youcefislam/GraphShop/internal/cart"
	"github.com/youcefislam/GraphShop/internal/redisx"
)

// CartHandler exposes the reservation engine over HTTP. The caller identity
// arrives pre-authenticated in X-Client-Id; authorization is the gateway's
// job, not ours.
type CartHandler struct {
	Engine *cart.Engine
	Store  cart.Store
	Redis  *redis.Client
}

type reserveReq struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type adjustReq struct {
	Qty int `json:"qty"`
}

func (h *CartHandler) Register(r *chi.Mux) {
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Get("/cart", h.listCart)
	r.Post("/cart/items", h.reserve)
	r.Patch("/cart/items/{productID}", h.adjust)
	r.Delete("/cart/items/{productID}", h.cancel)
	r.Delete("/cart", h.clear)
	r.Post("/cart/checkout", h.checkout)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps engine errors to HTTP. Domain errors go out verbatim;
// everything else is normalized so infrastructure detail never leaks.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, cart.ErrNoOpUpdate):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, cart.ErrProductNotFound),
		errors.Is(err, cart.ErrClientNotFound),
		errors.Is(err, cart.ErrReservationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case cart.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func clientID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-Client-Id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *CartHandler) reserve(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Engine.Reserve(ctx, cid, req.ProductID, req.Qty)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *CartHandler) adjust(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}
	pid, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	var req adjustReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Engine.Adjust(ctx, cid, pid, req.Qty)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CartHandler) cancel(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}
	pid, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.Cancel(ctx, cid, pid); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	n, err := h.Engine.Clear(ctx, cid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (h *CartHandler) checkout(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, err := h.Engine.CheckoutAll(ctx, cid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *CartHandler) listCart(w http.ResponseWriter, r *http.Request) {
	cid, ok := clientID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Engine.ListCart(ctx, cid)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []cart.Reservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CartHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Store.ListProducts(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *CartHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// cache first; the auditor invalidates on stock movement
	key := fmt.Sprintf(redisx.KeyProduct, pid)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	p, err := h.Store.GetProduct(ctx, pid)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Redis != nil {
		b, _ := json.Marshal(p)
		_ = h.Redis.Set(ctx, key, b, redisx.TTLProductCache).Err()
	}
	writeJSON(w, http.StatusOK, p)
}

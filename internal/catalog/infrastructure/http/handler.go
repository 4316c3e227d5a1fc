package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	cartapp "github.com/dmehra2102/cart-reservation/internal/cart/application"
	cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"
	catalogapp "github.com/dmehra2102/cart-reservation/internal/catalog/application"
	"github.com/dmehra2102/cart-reservation/internal/catalog/domain"
	checkoutapp "github.com/dmehra2102/cart-reservation/internal/checkout/application"
	checkoutdomain "github.com/dmehra2102/cart-reservation/internal/checkout/domain"
	"github.com/dmehra2102/cart-reservation/pkg/idempotency"
	"github.com/dmehra2102/cart-reservation/pkg/tracing"
)

// SessionHeader identifies the cart session of an HTTP client.
const SessionHeader = "X-Session-ID"

type Handler struct {
	log      *slog.Logger
	catalog  *catalogapp.Service
	cart     *cartapp.Service
	checkout *checkoutapp.Coordinator
	claims   idempotency.Claimer
	tracer   trace.Tracer

	// sessions opened through POST /sessions. Websocket sessions live in the
	// same ledger but are never reachable from here.
	mu       sync.Mutex
	sessions map[string]struct{}
}

func NewHandler(log *slog.Logger, catalog *catalogapp.Service, cart *cartapp.Service, checkout *checkoutapp.Coordinator, claims idempotency.Claimer) *Handler {
	return &Handler{
		log:      log,
		catalog:  catalog,
		cart:     cart,
		checkout: checkout,
		claims:   claims,
		tracer:   otel.Tracer("catalog-http"),
		sessions: make(map[string]struct{}),
	}
}

type cartAmountReq struct {
	Amount *int `json:"amount"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Post("/", h.createProduct)
		r.Get("/{id}", h.getProduct)
		r.Put("/{id}", h.editProduct)
		r.Delete("/{id}", h.deleteProduct)
	})

	r.Post("/sessions", h.openSession)
	r.Delete("/sessions/{id}", h.closeSession)

	r.Route("/cart", func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/", h.getCart)
		r.Post("/items/{productID}", h.addToCart)
		r.Put("/items/{productID}", h.updateInCart)
		r.Delete("/items/{productID}", h.removeFromCart)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		if h.claims != nil {
			r.Use(idempotency.Middleware(h.log, h.claims))
		}
		r.Post("/checkout", h.runCheckout)
	})

	return r
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	listings, err := h.catalog.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	listing, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var p domain.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	created, err := h.catalog.Create(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) editProduct(w http.ResponseWriter, r *http.Request) {
	var changes domain.ProductChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	updated, err := h.catalog.Edit(r.Context(), chi.URLParam(r, "id"), changes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	h.cart.Connect(id)
	h.mu.Lock()
	h.sessions[id] = struct{}{}
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		h.writeError(w, &cartdomain.LedgerError{Kind: cartdomain.ErrUnknownSession, SessionID: id})
		return
	}
	released := h.cart.Disconnect(id)
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

// requireSession rejects requests whose session header does not name a
// session this handler opened.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		h.mu.Lock()
		_, ok := h.sessions[id]
		h.mu.Unlock()
		if !ok {
			h.writeError(w, &cartdomain.LedgerError{Kind: cartdomain.ErrUnknownSession, SessionID: id})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.cart.Snapshot(r.Header.Get(SessionHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) addToCart(w http.ResponseWriter, r *http.Request) {
	d, err := h.cart.Add(r.Header.Get(SessionHeader), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) updateInCart(w http.ResponseWriter, r *http.Request) {
	var req cartAmountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == nil || *req.Amount < 0 {
		http.Error(w, "amount must be a non-negative integer", http.StatusBadRequest)
		return
	}
	d, err := h.cart.Reserve(r.Header.Get(SessionHeader), chi.URLParam(r, "productID"), *req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) removeFromCart(w http.ResponseWriter, r *http.Request) {
	d, err := h.cart.Release(r.Header.Get(SessionHeader), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) runCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HTTPCheckout")
	defer span.End()

	traceparent := r.Header.Get(tracing.TraceparentHeader)
	if traceparent == "" {
		traceparent = tracing.Traceparent(ctx)
	}

	sold, err := h.checkout.Checkout(ctx, r.Header.Get(SessionHeader), traceparent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sold)
}

type errorBody struct {
	Kind      string `json:"kind"`
	ProductID string `json:"productId,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()}

	var cerr *checkoutdomain.Error
	var lerr *cartdomain.LedgerError
	switch {
	case errors.As(err, &cerr):
		body.Kind, body.ProductID, body.Retryable = cerr.Kind.Error(), cerr.ProductID, cerr.Retryable()
		switch cerr.Kind {
		case checkoutdomain.ErrProductNotFound:
			status = http.StatusNotFound
		case checkoutdomain.ErrInsufficientInventory:
			status = http.StatusConflict
		case checkoutdomain.ErrTransactionTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &lerr):
		status = http.StatusNotFound
		if lerr.Kind == cartdomain.ErrCheckoutInProgress {
			status = http.StatusConflict
		}
		body.Kind, body.ProductID = lerr.Kind.Error(), lerr.ProductID
	case errors.Is(err, domain.ErrProductNotFound):
		status, body.Kind = http.StatusNotFound, domain.ErrProductNotFound.Error()
	case errors.Is(err, domain.ErrInvalidProduct):
		status, body.Kind = http.StatusBadRequest, domain.ErrInvalidProduct.Error()
	case errors.Is(err, catalogapp.ErrStoreTimeout):
		status, body.Kind, body.Retryable = http.StatusGatewayTimeout, catalogapp.ErrStoreTimeout.Error(), true
	case errors.Is(err, catalogapp.ErrStoreUnavailable):
		status, body.Kind, body.Retryable = http.StatusServiceUnavailable, catalogapp.ErrStoreUnavailable.Error(), true
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

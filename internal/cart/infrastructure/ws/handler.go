package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	cartapp "github.com/dmehra2102/cart-reservation/internal/cart/application"
	catalogapp "github.com/dmehra2102/cart-reservation/internal/catalog/application"
	checkoutapp "github.com/dmehra2102/cart-reservation/internal/checkout/application"
	"github.com/dmehra2102/cart-reservation/pkg/tracing"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Handler upgrades a request to a websocket and runs one cart session on
// it. A session's actions are handled one at a time in arrival order.
type Handler struct {
	log      *slog.Logger
	hub      *Hub
	cart     *cartapp.Service
	catalog  *catalogapp.Service
	checkout *checkoutapp.Coordinator
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, hub *Hub, cart *cartapp.Service, catalog *catalogapp.Service, checkout *checkoutapp.Coordinator, allowedOrigins []string) *Handler {
	return &Handler{
		log:      log,
		hub:      hub,
		cart:     cart,
		catalog:  catalog,
		checkout: checkout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{
		sessionID: uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
	}
	ctx := r.Context()

	// Stock is read before joining; reservations are applied while joined
	// so the connected listing and the deltas that follow it line up.
	products, listErr := h.catalog.Products(ctx)
	h.cart.Join(c.sessionID, func() {
		h.hub.register(c)
		if listErr != nil {
			h.hub.Notify(c.sessionID, errorEvent(listErr))
			return
		}
		h.hub.Notify(c.sessionID, Outbound{Event: EventConnected, SessionID: c.sessionID, Products: h.catalog.Listings(products)})
	})
	if listErr != nil {
		h.log.Error("initial listing failed", "session_id", c.sessionID, "err", listErr)
	}
	go h.writePump(c)

	h.readPump(ctx, c)

	h.hub.unregister(c)
	h.cart.Disconnect(c.sessionID)
}

func (h *Handler) readPump(ctx context.Context, c *client) {
	defer c.kick()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket closed unexpectedly", "session_id", c.sessionID, "err", err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.hub.Notify(c.sessionID, errorEvent(fmt.Errorf("%w: %v", errBadRequest, err)))
			continue
		}
		h.dispatch(ctx, c.sessionID, in)
	}
}

func (h *Handler) dispatch(ctx context.Context, sessionID string, in inbound) {
	var err error
	switch in.Action {
	case ActionAddToCart:
		if err = requireProduct(in); err == nil {
			_, err = h.cart.Add(sessionID, in.ProductID)
		}
	case ActionUpdateInCart:
		if err = requireProduct(in); err == nil {
			if in.Amount == nil || *in.Amount < 0 {
				err = fmt.Errorf("%w: amount must be a non-negative integer", errBadRequest)
			} else {
				_, err = h.cart.Reserve(sessionID, in.ProductID, *in.Amount)
			}
		}
	case ActionRemoveFromCart:
		if err = requireProduct(in); err == nil {
			_, err = h.cart.Release(sessionID, in.ProductID)
		}
	case ActionCheckout:
		h.runCheckout(ctx, sessionID)
		return
	default:
		err = fmt.Errorf("%w: unknown action %q", errBadRequest, in.Action)
	}

	if err != nil {
		h.hub.Notify(sessionID, errorEvent(err))
		return
	}
	items, _ := h.cart.Snapshot(sessionID)
	h.hub.Notify(sessionID, Outbound{Event: EventCartUpdated, Items: items})
}

func (h *Handler) runCheckout(ctx context.Context, sessionID string) {
	sold, err := h.checkout.Checkout(ctx, sessionID, tracing.Traceparent(ctx))
	if err != nil {
		h.hub.Notify(sessionID, errorEvent(err))
		return
	}
	h.hub.Notify(sessionID, Outbound{Event: EventCheckout, Sold: sold})
}

func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func requireProduct(in inbound) error {
	if in.ProductID == "" {
		return fmt.Errorf("%w: productId is required", errBadRequest)
	}
	return nil
}

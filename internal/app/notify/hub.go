package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// BalanceEvent is the payload pushed to subscribed clients after every
// committed balance change.
type BalanceEvent struct {
	AccountID string    `json:"account_id"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	Delta     string    `json:"delta"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

const clientBuffer = 16

type client struct {
	accountID string
	send      chan BalanceEvent
}

// Hub fans committed balance changes out to websocket subscribers. It
// implements the ledger writer's notifier contract and never blocks the
// writer: a subscriber that cannot keep up drops events.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notify-hub")
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// BalanceChanged broadcasts the change to subscribers of the account.
func (h *Hub) BalanceChanged(bal ledger.Balance, delta decimal.Decimal, source ledger.EntryType) {
	event := BalanceEvent{
		AccountID: bal.AccountID,
		Currency:  string(bal.Currency),
		Balance:   bal.Amount.String(),
		Delta:     delta.String(),
		Source:    string(source),
		At:        time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.accountID != "" && c.accountID != bal.AccountID {
			continue
		}
		select {
		case c.send <- event:
		default:
			// Slow consumer; drop rather than stall the writer.
		}
	}
}

// ServeHTTP upgrades the connection and streams balance events. An optional
// account_id query parameter narrows the subscription to one account.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		accountID: r.URL.Query().Get("account_id"),
		send:      make(chan BalanceEvent, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain reads so pings and close frames are processed; a read error
	// means the peer is gone and the write loop must not wait for the next
	// event to find out.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event := <-c.send:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// SubscriberCount reports the current number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/tonfarm/farming_layer/internal/app"
	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/metrics"
	accountssvc "github.com/tonfarm/farming_layer/internal/app/services/accounts"
	bonussvc "github.com/tonfarm/farming_layer/internal/app/services/bonus"
	farmingsvc "github.com/tonfarm/farming_layer/internal/app/services/farming"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// AuthConfig carries the credentials the middleware validates against.
type AuthConfig struct {
	JWTSecret    string
	WatcherToken string
	RatePerSec   float64
	RateBurst    int
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application, auth AuthConfig) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", application.Hub).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(jwtMiddleware(auth.JWTSecret))
	api.HandleFunc("/accounts", h.registerAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/balances", h.balances).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/ledger", h.ledger).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/positions", h.positions).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/packages", h.purchase).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/bonus", h.claimBonus).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/withdrawals", h.requestWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/verify", h.verifyBalance).Methods(http.MethodGet)

	watcher := r.PathPrefix("/").Subrouter()
	watcher.Use(watcherMiddleware(auth.WatcherToken))
	watcher.HandleFunc("/deposits", h.notifyDeposit).Methods(http.MethodPost)
	watcher.HandleFunc("/withdrawals/{id}/settle", h.settleWithdrawal).Methods(http.MethodPost)

	var wrapped http.Handler = r
	wrapped = rateLimitMiddleware(auth.RatePerSec, auth.RateBurst)(wrapped)
	wrapped = metrics.InstrumentHandler(wrapped)
	return wrapped
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) registerAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner     string            `json:"owner"`
		InviterID string            `json:"inviter_id"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	acct, err := h.app.Accounts.Register(r.Context(), payload.Owner, payload.InviterID, payload.Metadata)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.app.Accounts.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) balances(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	out := make([]ledgerdom.Balance, 0, len(ledgerdom.Currencies))
	for _, cur := range ledgerdom.Currencies {
		bal, err := h.app.Ledger.GetBalance(r.Context(), accountID, cur)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, bal)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) ledger(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	q := r.URL.Query()

	var f ledgerdom.Filter
	if raw := q.Get("currency"); raw != "" {
		cur := ledgerdom.Currency(raw)
		if !cur.Valid() {
			writeError(w, http.StatusBadRequest, errors.New("unknown currency"))
			return
		}
		f.Currency = cur
	}
	if raw := q.Get("type"); raw != "" {
		et := ledgerdom.EntryType(raw)
		if !et.Valid() {
			writeError(w, http.StatusBadRequest, errors.New("unknown entry type"))
			return
		}
		f.Type = et
	}
	f.Limit = queryInt(q.Get("limit"))
	f.Offset = queryInt(q.Get("offset"))

	entries, err := h.app.Ledger.ListEntries(r.Context(), accountID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) positions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.app.Farming.ListPositions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		PackageID      string `json:"package_id"`
		Amount         string `json:"amount"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pos, entry, err := h.app.Farming.Purchase(r.Context(), accountID, payload.PackageID, amount, payload.IdempotencyKey, time.Now().UTC())
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		// Replayed idempotency key: report the original debit, no new charge.
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry, "duplicate": true})
		return
	}
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"position": pos, "entry": entry})
}

func (h *handler) claimBonus(w http.ResponseWriter, r *http.Request) {
	entry, bal, err := h.app.Bonus.Claim(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entry": entry, "balance": bal})
}

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		Currency       string `json:"currency"`
		Amount         string `json:"amount"`
		Address        string `json:"address"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cur := ledgerdom.Currency(payload.Currency)
	if !cur.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown currency"))
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, bal, err := h.app.Withdrawals.Request(r.Context(), accountID, cur, amount, payload.Address, payload.IdempotencyKey)
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry, "duplicate": true})
		return
	}
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entry": entry, "balance": bal})
}

func (h *handler) settleWithdrawal(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["id"]
	var payload struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.app.Withdrawals.Settle(r.Context(), entryID, payload.Success, payload.Reason)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) verifyBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	cur := ledgerdom.Currency(r.URL.Query().Get("currency"))
	if !cur.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("currency query parameter is required"))
		return
	}

	ok, bal, err := h.app.Ledger.VerifyBalance(r.Context(), accountID, cur)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consistent": ok, "balance": bal})
}

func (h *handler) notifyDeposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID   string `json:"account_id"`
		Currency    string `json:"currency"`
		Amount      string `json:"amount"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cur := ledgerdom.Currency(payload.Currency)
	if !cur.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown currency"))
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, bal, err := h.app.Deposits.Notify(r.Context(), payload.AccountID, cur, amount, payload.Fingerprint)
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		// Replayed notification: acknowledge without crediting again.
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry, "duplicate": true})
		return
	}
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entry": entry, "balance": bal})
}

// errStatus maps service errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, farmingsvc.ErrUnknownPackage):
		return http.StatusNotFound
	case errors.Is(err, bonussvc.ErrAlreadyClaimed), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledgersvc.ErrInsufficientBalance),
		errors.Is(err, ledgersvc.ErrInvalidAmount),
		errors.Is(err, ledgersvc.ErrInvalidFingerprint),
		errors.Is(err, farmingsvc.ErrAmountOutOfRange),
		errors.Is(err, farmingsvc.ErrNoRateConfigured),
		errors.Is(err, accountssvc.ErrInviterNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

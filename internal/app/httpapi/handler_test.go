package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	app "github.com/tonfarm/farming_layer/internal/app"
	domain "github.com/tonfarm/farming_layer/internal/app/domain/farming"
	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	farmingsvc "github.com/tonfarm/farming_layer/internal/app/services/farming"
	referralsvc "github.com/tonfarm/farming_layer/internal/app/services/referral"
)

const testWatcherToken = "watcher-secret"

func newTestHandler(t *testing.T) (http.Handler, *app.Application) {
	t.Helper()

	opts := app.Options{
		FarmingConfig: farmingsvc.Config{
			BaseRates: map[ledgerdom.Currency]decimal.Decimal{
				ledgerdom.CurrencyUNI: decimal.RequireFromString("0.01"),
				ledgerdom.CurrencyTON: decimal.RequireFromString("0.005"),
			},
			Packages: map[string]domain.Package{
				"uni-boost": {
					ID:        "uni-boost",
					Currency:  ledgerdom.CurrencyUNI,
					Rate:      decimal.RequireFromString("0.02"),
					Duration:  30 * 24 * time.Hour,
					MinAmount: decimal.NewFromInt(10),
					MaxAmount: decimal.NewFromInt(100000),
					Policy:    domain.PolicyAdditive,
				},
			},
		},
		ReferralConfig: referralsvc.Config{
			LevelRates: []decimal.Decimal{decimal.RequireFromString("0.10")},
		},
		DailyBonus: decimal.NewFromInt(1),
	}

	application, err := app.New(app.Stores{}, opts, nil)
	if err != nil {
		t.Fatalf("assemble application: %v", err)
	}
	handler := NewHandler(application, AuthConfig{WatcherToken: testWatcherToken, RatePerSec: 10000, RateBurst: 10000})
	return handler, application
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func registerAccount(t *testing.T, handler http.Handler, owner, inviterID string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/accounts", map[string]string{
		"owner":      owner,
		"inviter_id": inviterID,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", owner, rec.Code, rec.Body.String())
	}
	var acct struct {
		ID string `json:"ID"`
	}
	decodeBody(t, rec, &acct)
	if acct.ID == "" {
		t.Fatalf("no account id in %s", rec.Body.String())
	}
	return acct.ID
}

func watcherHeaders() map[string]string {
	return map[string]string{"X-Watcher-Token": testWatcherToken}
}

func notifyDeposit(t *testing.T, handler http.Handler, accountID, amount, fingerprint string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, handler, http.MethodPost, "/deposits", map[string]string{
		"account_id":  accountID,
		"currency":    "UNI",
		"amount":      amount,
		"fingerprint": fingerprint,
	}, watcherHeaders())
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRegisterAndFetchAccount(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")

	rec := doJSON(t, handler, http.MethodGet, "/accounts/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get account: status %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/accounts/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/accounts", map[string]string{"owner": "tg:1002", "inviter_id": "ghost"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown inviter, got %d", rec.Code)
	}
}

func TestDepositWebhookRequiresWatcherToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")

	rec := doJSON(t, handler, http.MethodPost, "/deposits", map[string]string{
		"account_id": id, "currency": "UNI", "amount": "10", "fingerprint": "tx-1",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = notifyDeposit(t, handler, id, "10", "tx-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestDepositReplayReturnsOriginalEntry(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")

	if rec := notifyDeposit(t, handler, id, "100", "tx-1"); rec.Code != http.StatusCreated {
		t.Fatalf("first deposit: %d", rec.Code)
	}
	rec := notifyDeposit(t, handler, id, "100", "tx-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rec.Code)
	}
	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Duplicate {
		t.Fatalf("replay not flagged duplicate: %s", rec.Body.String())
	}

	// Balance reflects a single credit.
	rec = doJSON(t, handler, http.MethodGet, "/accounts/"+id+"/balances", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balances: %d", rec.Code)
	}
	var balances []struct {
		Currency string
		Amount   string
	}
	decodeBody(t, rec, &balances)
	for _, b := range balances {
		if b.Currency == "UNI" && b.Amount != "100" {
			t.Fatalf("expected UNI balance 100, got %s", b.Amount)
		}
	}
}

func TestPurchaseFlow(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")
	if rec := notifyDeposit(t, handler, id, "1000", "tx-1"); rec.Code != http.StatusCreated {
		t.Fatalf("fund: %d", rec.Code)
	}

	rec := doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/packages", map[string]string{
		"package_id": "uni-boost", "amount": "100", "idempotency_key": "k1",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: %d body %s", rec.Code, rec.Body.String())
	}

	// Replay is acknowledged without a second charge.
	rec = doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/packages", map[string]string{
		"package_id": "uni-boost", "amount": "100", "idempotency_key": "k1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/packages", map[string]string{
		"package_id": "missing", "amount": "100",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown package, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/accounts/"+id+"/positions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("positions: %d", rec.Code)
	}
}

func TestLedgerHistoryEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")
	for i := 0; i < 3; i++ {
		if rec := notifyDeposit(t, handler, id, "10", fmt.Sprintf("tx-%d", i)); rec.Code != http.StatusCreated {
			t.Fatalf("deposit %d: %d", i, rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/accounts/"+id+"/ledger?currency=UNI&type=deposit&limit=2", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: %d", rec.Code)
	}
	var entries []struct{ ID string }
	decodeBody(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	rec = doJSON(t, handler, http.MethodGet, "/accounts/"+id+"/ledger?currency=XRP", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown currency, got %d", rec.Code)
	}
}

func TestBonusClaimEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")

	rec := doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/bonus", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim: %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/bonus", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second claim, got %d", rec.Code)
	}
}

func TestWithdrawalFlow(t *testing.T) {
	handler, _ := newTestHandler(t)
	id := registerAccount(t, handler, "tg:1001", "")
	if rec := notifyDeposit(t, handler, id, "50", "tx-1"); rec.Code != http.StatusCreated {
		t.Fatalf("fund: %d", rec.Code)
	}

	rec := doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/withdrawals", map[string]string{
		"currency": "UNI", "amount": "500", "address": "EQabc",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for insufficient funds, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/accounts/"+id+"/withdrawals", map[string]string{
		"currency": "UNI", "amount": "20", "address": "EQabc", "idempotency_key": "w1",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("withdrawal: %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Entry struct{ ID string } `json:"entry"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/withdrawals/"+created.Entry.ID+"/settle", map[string]interface{}{
		"success": false, "reason": "chain transfer rejected",
	}, watcherHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("settle: %d body %s", rec.Code, rec.Body.String())
	}

	// Refunded: full balance restored.
	rec = doJSON(t, handler, http.MethodGet, "/accounts/"+id+"/verify?currency=UNI", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d", rec.Code)
	}
	var verify struct {
		Consistent bool `json:"consistent"`
		Balance    struct{ Amount string }
	}
	decodeBody(t, rec, &verify)
	if !verify.Consistent {
		t.Fatalf("balance inconsistent: %s", rec.Body.String())
	}
	if verify.Balance.Amount != "50" {
		t.Fatalf("expected restored balance 50, got %s", verify.Balance.Amount)
	}
}

func TestJWTMiddlewareGuardsAPIRoutes(t *testing.T) {
	_, application := newTestHandler(t)
	secured := NewHandler(application, AuthConfig{JWTSecret: "s3cret", WatcherToken: testWatcherToken, RatePerSec: 10000, RateBurst: 10000})

	rec := doJSON(t, secured, http.MethodGet, "/accounts", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec = doJSON(t, secured, http.MethodGet, "/accounts", nil, map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d body %s", rec.Code, rec.Body.String())
	}

	// The watcher surface uses its own credential, not JWT.
	if rec := doJSON(t, secured, http.MethodPost, "/deposits", map[string]string{
		"account_id": "x", "currency": "UNI", "amount": "1", "fingerprint": "tx",
	}, watcherHeaders()); rec.Code == http.StatusUnauthorized {
		t.Fatalf("watcher route should not demand JWT: %d", rec.Code)
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"demosplus/internal/auth"
	"demosplus/internal/config"
	"demosplus/internal/middleware"
	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/service"
	"demosplus/internal/testutil"
	"demosplus/internal/vault"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
)

const secret = "test-secret"

type env struct {
	store    *testutil.MemStore
	provider *testutil.FakeProvider
	vault    *vault.Vault
	router   http.Handler
	donor    int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	st := testutil.NewMemStore()
	pp := testutil.NewFakeProvider()
	cfg := config.Config{
		SecretKey:   secret,
		Currency:    "ARS",
		PublicURL:   "https://api.example",
		FrontendURL: "https://app.example",
	}

	server := &Server{
		Auth: service.NewAuthService(st, secret),
		Preferences: service.NewPreferenceCreator(st, st, st, v, pp, service.PreferenceConfig{
			Currency: cfg.Currency, ReturnURL: cfg.ReturnURL(), NotificationURL: cfg.WebhookURL(),
		}, log),
		Reconciler:  service.NewReconciler(st, st, v, pp, service.ReconcilerConfig{}, log),
		Credentials: service.NewCredentialService(st, st, v, log),
		Points:      service.NewPointsService(st),
		Config:      cfg,
		Log:         log,
	}

	r := chi.NewRouter()
	r.Post("/api/user/register", server.RegisterUser)
	r.Post("/api/user/login", server.LoginUser)
	r.Get("/api/payments/return", server.PaymentReturn)
	r.Post("/api/payments/webhook", server.Webhook)
	r.Get("/healthz", server.Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(secret, log))
		r.Get("/api/user/points", server.GetPoints)
		r.Post("/api/donations/preference", server.CreatePreference)
		r.Put("/api/ngo/payment-token", server.ConfigurePaymentToken)
		r.Delete("/api/ngo/payment-token", server.DisablePaymentToken)
	})

	e := &env{store: st, provider: pp, vault: v, router: r}
	e.donor = st.AddUser("donor", model.AccountPerson)
	return e
}

func (e *env) addNGO(t *testing.T, login, token string) int64 {
	t.Helper()
	id := e.store.AddUser(login, model.AccountNGO)
	sealed, err := e.vault.Encrypt(token)
	if err != nil {
		t.Fatal(err)
	}
	e.store.SetCredential(model.NgoPaymentCredential{UserID: id, Enabled: true, CipherText: sealed.CipherText, IV: sealed.IV, AuthTag: sealed.AuthTag})
	return id
}

func bearer(t *testing.T, id int64, typ model.AccountType) string {
	t.Helper()
	token, err := auth.GenerateToken(&model.User{ID: id, Login: "u", AccountType: typ}, secret)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + token
}

func (e *env) do(method, target, authHeader string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestRegisterUser(t *testing.T) {
	e := newEnv(t)

	t.Run("Successful registration", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/user/register", "", map[string]string{
			"login": "testuser", "password": "testpassword", "account_type": "ngo",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		authHeader := rr.Header().Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			t.Errorf("Expected Authorization header with Bearer token, got %s", authHeader)
		}
		claims, err := auth.ParseToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil || claims.AccountType != model.AccountNGO {
			t.Errorf("Expected NGO token, got %+v, %v", claims, err)
		}
	})

	t.Run("Invalid request format", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/user/register", "", "invalid-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Login already taken", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/user/register", "", map[string]string{"login": "testuser", "password": "x"})
		if rr.Code != http.StatusConflict {
			t.Errorf("Expected status 409, got %d", rr.Code)
		}
	})

	t.Run("Login with wrong password", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/user/login", "", map[string]string{"login": "testuser", "password": "nope"})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
	})
}

func TestDonationFlow(t *testing.T) {
	e := newEnv(t)
	ngo := e.addNGO(t, "ngo-a", "APP_USR-a")
	donorAuth := bearer(t, e.donor, model.AccountPerson)

	rr := e.do(http.MethodPost, "/api/donations/preference", donorAuth, map[string]any{
		"ongId": ngo, "description": "Útiles escolares", "amount": 500,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var pref map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &pref); err != nil {
		t.Fatalf("Failed to parse response body: %v", err)
	}
	if pref["id"] == "" || pref["init_point"] == "" {
		t.Fatalf("Expected id and init_point, got %v", pref)
	}

	rows := e.store.Donations()
	if len(rows) != 1 {
		t.Fatalf("Expected one pending row, got %d", len(rows))
	}
	e.provider.AddPayment("APP_USR-a", provider.Payment{ID: "123", Status: provider.StatusApproved, ExternalReference: rows[0].ExternalReference})

	rr = e.do(http.MethodGet, "/api/payments/return?collection_id=123&collection_status=approved&preference_id="+pref["id"], "", nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "https://app.example/donation/success" {
		t.Fatalf("Expected redirect to success, got %d %s", rr.Code, rr.Header().Get("Location"))
	}

	rr = e.do(http.MethodPost, "/api/payments/webhook", "", `{"type":"payment","data":{"id":123}}`)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	rr = e.do(http.MethodGet, "/api/user/points", donorAuth, nil)
	var balance model.PointsBalance
	if err := json.Unmarshal(rr.Body.Bytes(), &balance); err != nil {
		t.Fatalf("Failed to parse balance: %v", err)
	}
	if balance.Points != 500 || balance.UpdatedAt == nil {
		t.Errorf("Expected 500 points once, got %+v", balance)
	}
	if got := e.store.Points(ngo); got != 500 {
		t.Errorf("Expected NGO balance 500, got %d", got)
	}
}

func TestCreatePreferenceErrors(t *testing.T) {
	e := newEnv(t)
	donorAuth := bearer(t, e.donor, model.AccountPerson)
	ngo := e.addNGO(t, "ngo-a", "APP_USR-a")
	off := e.store.AddUser("ngo-off", model.AccountNGO)
	broken := e.store.AddUser("ngo-broken", model.AccountNGO)
	e.store.SetCredential(model.NgoPaymentCredential{UserID: broken, Enabled: true, CipherText: []byte("x")})

	tests := []struct {
		name   string
		body   map[string]any
		status int
		hint   bool
	}{
		{"zero amount", map[string]any{"ongId": ngo, "amount": 0}, http.StatusBadRequest, false},
		{"unknown NGO", map[string]any{"ongId": 9999, "amount": 10}, http.StatusNotFound, false},
		{"not enabled", map[string]any{"ongId": off, "amount": 10}, http.StatusNotFound, false},
		{"incomplete credential", map[string]any{"ongId": broken, "amount": 10}, http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(http.MethodPost, "/api/donations/preference", donorAuth, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			var body errorBody
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("Expected error body, got %q", rr.Body.String())
			}
			if (body.Hint != "") != tt.hint {
				t.Errorf("Expected hint=%v, got %q", tt.hint, body.Hint)
			}
		})
	}

	t.Run("provider failure keeps details", func(t *testing.T) {
		e.provider.PreferenceErr = &provider.Error{Op: "create preference", StatusCode: 400, Body: `{"message":"bad item"}`}
		defer func() { e.provider.PreferenceErr = nil }()
		rr := e.do(http.MethodPost, "/api/donations/preference", donorAuth, map[string]any{"ongId": ngo, "amount": 10})
		if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), "bad item") {
			t.Errorf("Expected 500 with provider body, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("revoked provider token asks for reconfiguration", func(t *testing.T) {
		e.provider.PreferenceErr = &provider.Error{
			Op: "create_preference", StatusCode: 401, Body: `{"message":"invalid access token"}`, Err: provider.ErrTokenRejected,
		}
		defer func() { e.provider.PreferenceErr = nil }()
		rr := e.do(http.MethodPost, "/api/donations/preference", donorAuth, map[string]any{"ongId": ngo, "amount": 10})
		var body errorBody
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to parse response body: %v", err)
		}
		if body.Hint == "" || !strings.Contains(body.Details, "invalid access token") {
			t.Errorf("Expected hint and provider body, got %d %+v", rr.Code, body)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/donations/preference", "", map[string]any{"ongId": ngo, "amount": 10})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
	})
}

func TestPaymentReturnPages(t *testing.T) {
	e := newEnv(t)
	ngo := e.addNGO(t, "ngo-a", "APP_USR-a")
	e.store.AddDonation(model.PendingDonation{DonorID: e.donor, NgoID: ngo, ExternalReference: "ref-1", CreatedAt: time.Now()})
	e.provider.AddPayment("APP_USR-a", provider.Payment{ID: "rej", Status: provider.StatusRejected, ExternalReference: "ref-1"})
	e.provider.AddPayment("APP_USR-a", provider.Payment{ID: "wait", Status: provider.StatusPending, ExternalReference: "ref-1"})

	tests := []struct {
		query string
		page  string
	}{
		{"", "error"},
		{"payment_id=null&status=null", "error"},
		{"payment_id=rej", "error"},
		{"payment_id=wait", "pending"},
		{"payment_id=unknown", "pending"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := e.do(http.MethodGet, "/api/payments/return?"+tt.query, "", nil)
			want := "https://app.example/donation/" + tt.page
			if rr.Code != http.StatusFound || rr.Header().Get("Location") != want {
				t.Errorf("Expected redirect to %s, got %d %s", want, rr.Code, rr.Header().Get("Location"))
			}
		})
	}

	t.Run("provider outage shows error page", func(t *testing.T) {
		e.provider.Fail("APP_USR-a", &provider.Error{Op: "get payment", StatusCode: 503})
		rr := e.do(http.MethodGet, "/api/payments/return?payment_id=anything", "", nil)
		if rr.Header().Get("Location") != "https://app.example/donation/error" {
			t.Errorf("Expected error page, got %s", rr.Header().Get("Location"))
		}
	})
}

func TestWebhookAlwaysOK(t *testing.T) {
	e := newEnv(t)
	ngo := e.addNGO(t, "ngo-a", "APP_USR-a")
	e.store.AddDonation(model.PendingDonation{DonorID: e.donor, NgoID: ngo, Quantity: decimal.NewFromInt(30), ExternalReference: "ref-1", CreatedAt: time.Now()})
	e.provider.AddPayment("APP_USR-a", provider.Payment{ID: "77", Status: provider.StatusApproved, ExternalReference: "ref-1"})

	t.Run("non payment types are ignored", func(t *testing.T) {
		rr := e.do(http.MethodPost, "/api/payments/webhook", "", `{"type":"merchant_order","data":{"id":"77"}}`)
		if rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
		if get, _ := e.provider.Calls(); get != 0 {
			t.Errorf("Expected no provider calls, got %d", get)
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		if rr := e.do(http.MethodPost, "/api/payments/webhook", "", "{{"); rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
	})

	t.Run("internal failure", func(t *testing.T) {
		e.store.Err = errors.New("database is down")
		defer func() { e.store.Err = nil }()
		if rr := e.do(http.MethodPost, "/api/payments/webhook", "", `{"type":"payment","data":{"id":"77"}}`); rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
	})

	t.Run("query string form", func(t *testing.T) {
		if rr := e.do(http.MethodPost, "/api/payments/webhook?topic=payment&id=77", "", nil); rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
		if got := e.store.Points(e.donor); got != 30 {
			t.Errorf("Expected donor balance 30, got %d", got)
		}
		if rows := e.store.Donations(); rows[0].Status != model.DonationApproved {
			t.Errorf("Expected donation approved, got %s", rows[0].Status)
		}
	})
}

func TestPaymentToken(t *testing.T) {
	e := newEnv(t)
	ngo := e.store.AddUser("ngo-a", model.AccountNGO)
	ngoAuth := bearer(t, ngo, model.AccountNGO)

	if rr := e.do(http.MethodPut, "/api/ngo/payment-token", ngoAuth, map[string]string{"token": "TEST-123"}); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for sandbox token, got %d", rr.Code)
	}
	if rr := e.do(http.MethodPut, "/api/ngo/payment-token", bearer(t, e.donor, model.AccountPerson), map[string]string{"token": "APP_USR-1"}); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a person account, got %d", rr.Code)
	}
	if rr := e.do(http.MethodPut, "/api/ngo/payment-token", ngoAuth, map[string]string{"token": "APP_USR-1"}); rr.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", rr.Code, rr.Body.String())
	}
	cred, _ := e.store.GetCredential(context.Background(), ngo)
	if !cred.Configured() {
		t.Error("Expected credential configured")
	}
	if rr := e.do(http.MethodDelete, "/api/ngo/payment-token", ngoAuth, nil); rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
	cred, _ = e.store.GetCredential(context.Background(), ngo)
	if cred.Configured() {
		t.Error("Expected credential disabled")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/auth"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/printing"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/bolt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	gate   *auth.Gate
	ledger *ledger.Ledger
	clock  *clock.TestClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "api.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewTestClock(epoch)
	rates, err := billing.NewRateSchedule(billing.DefaultRates())
	require.NoError(t, err)

	gate := auth.NewGate(store.Patrons(), auth.Config{
		JWTSecret:  "api-test-secret-0123",
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
		Clock:      clk,
	}, zerolog.Nop())
	accounts := ledger.New(store.Ledger(), ledger.Config{Clock: clk}, zerolog.Nop())
	engine := session.NewEngine(store.Sessions(), accounts, rates, session.Config{Clock: clk}, zerolog.Nop())
	printer := printing.NewAdapter(accounts, billing.DefaultPrintRates(), zerolog.Nop())

	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	server := NewServer(cfg, gate, engine, accounts, printer, zerolog.Nop())
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	return &testEnv{server: server, gate: gate, ledger: accounts, clock: clk}
}

// addPatron registers a patron with an account holding balance.
func (e *testEnv) addPatron(t *testing.T, email string, balance billing.Money) string {
	t.Helper()
	ctx := context.Background()

	patron, err := e.gate.Register(ctx, "Test Patron", email, "hunter22")
	require.NoError(t, err)
	require.NoError(t, e.ledger.OpenAccount(ctx, patron.ID))
	if balance > 0 {
		_, err = e.ledger.Credit(ctx, patron.ID, balance, storage.KindManualCredit, "seed")
		require.NoError(t, err)
	}
	return patron.ID
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 1000)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[SessionStartedResponse](t, rec)
	assert.NotEmpty(t, started.SessionID)
	assert.True(t, started.StartedAt.Equal(epoch))

	env.clock.Advance(42 * time.Minute)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/sessions/"+started.SessionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decode[SessionStatusResponse](t, rec)
	assert.Equal(t, int64(42*60), status.ElapsedSeconds)
	assert.Equal(t, billing.Money(210), status.CurrentCost)
	assert.Equal(t, storage.SessionActive, status.State)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stopped := decode[StopResponse](t, rec)
	assert.Equal(t, int64(42*60), stopped.DurationSeconds)
	assert.Equal(t, billing.Money(210), stopped.AmountCharged)
	assert.False(t, stopped.BillingFailed)

	rec = env.do(t, http.MethodGet, "/api/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.Money(790), decode[BalanceResponse](t, rec).Balance)

	rec = env.do(t, http.MethodGet, "/api/transactions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[TransactionsResponse](t, rec)
	require.Equal(t, 2, history.Count)
	assert.Equal(t, billing.Money(-210), history.Transactions[0].Amount)
	assert.Equal(t, storage.KindSessionCharge, history.Transactions[0].Kind)

	// A second stop returns the same receipt without charging again.
	rec = env.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.Money(210), decode[StopResponse](t, rec).AmountCharged)

	rec = env.do(t, http.MethodGet, "/api/balance", token, nil)
	assert.Equal(t, billing.Money(790), decode[BalanceResponse](t, rec).Balance)
}

func TestStartSessionTwiceConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 1000)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusConflict, decode[ErrorResponse](t, rec).Code)
}

func TestStopWithShortBalanceReportsShortfall(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 100)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	started := decode[SessionStartedResponse](t, rec)

	env.clock.Advance(42 * time.Minute)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decode[StopResponse](t, rec)
	assert.Equal(t, billing.Money(100), stopped.AmountCharged)
	assert.True(t, stopped.BillingFailed)
	assert.Equal(t, billing.Money(110), stopped.Shortfall)
}

func TestSessionsOfOtherPatronsAreHidden(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 1000)
	env.addPatron(t, "bob@example.com", 1000)
	ada := env.login(t, "ada@example.com")
	bob := env.login(t, "bob@example.com")

	rec := env.do(t, http.MethodPost, "/api/sessions", ada, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	started := decode[SessionStartedResponse](t, rec)

	for _, path := range []string{
		"/api/sessions/" + started.SessionID + "/stop",
		"/api/sessions/" + started.SessionID + "/heartbeat",
	} {
		rec = env.do(t, http.MethodPost, path, bob, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec = env.do(t, http.MethodGet, "/api/sessions/"+started.SessionID, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/ses-missing", ada, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, Config{LoginRateLimit: 100})
	env.addPatron(t, "ada@example.com", 0)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"valid", LoginRequest{Email: "ada@example.com", Password: "hunter22"}, http.StatusOK},
		{"email is case insensitive", LoginRequest{Email: "ADA@example.com", Password: "hunter22"}, http.StatusOK},
		{"wrong password", LoginRequest{Email: "ada@example.com", Password: "nope"}, http.StatusUnauthorized},
		{"unknown email", LoginRequest{Email: "eve@example.com", Password: "hunter22"}, http.StatusUnauthorized},
		{"missing password", LoginRequest{Email: "ada@example.com"}, http.StatusBadRequest},
		{"malformed email", LoginRequest{Email: "ada", Password: "hunter22"}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/auth/login", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{LoginRateLimit: 2})
	env.addPatron(t, "ada@example.com", 0)

	bad := LoginRequest{Email: "ada@example.com", Password: "wrong"}
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/login", "", bad)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login", "", bad)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 0)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/balance", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 0)
	token := env.login(t, "ada@example.com")

	env.clock.Advance(2 * time.Hour)

	rec := env.do(t, http.MethodGet, "/api/balance", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredit(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 0)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/credit", token, map[string]string{"amount": "5.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	credited := decode[CreditResponse](t, rec)
	assert.Equal(t, billing.Money(500), credited.Balance)
	require.NotNil(t, credited.Transaction)
	assert.Equal(t, storage.KindManualCredit, credited.Transaction.Kind)

	for _, amount := range []interface{}{0, "0.00"} {
		rec = env.do(t, http.MethodPost, "/api/credit", token, map[string]interface{}{"amount": amount})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %v", amount)
	}
}

func TestCreditOutOfRange(t *testing.T) {
	env := newTestEnv(t, Config{})
	patronID := env.addPatron(t, "ada@example.com", 0)
	token := env.login(t, "ada@example.com")

	for _, amount := range []string{"92233720368547758.08", "184467440737095516.17"} {
		rec := env.do(t, http.MethodPost, "/api/credit", token, map[string]string{"amount": amount})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %s", amount)
	}

	_, err := env.ledger.Credit(context.Background(), patronID, storage.MaxBalance-100, storage.KindManualCredit, "top-up")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/credit", token, map[string]string{"amount": "5.00"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.MaxBalance-100, decode[BalanceResponse](t, rec).Balance)
}

func TestTransactionsLimit(t *testing.T) {
	env := newTestEnv(t, Config{})
	patronID := env.addPatron(t, "ada@example.com", 0)
	token := env.login(t, "ada@example.com")

	for i := 0; i < 15; i++ {
		_, err := env.ledger.Credit(context.Background(), patronID, 100, storage.KindManualCredit, "top-up")
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/transactions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.DefaultHistoryLimit, decode[TransactionsResponse](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/transactions?limit=3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[TransactionsResponse](t, rec).Count)

	for _, limit := range []string{"0", "-1", "lots"} {
		rec = env.do(t, http.MethodGet, "/api/transactions?limit="+limit, token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
	}
}

func TestPrint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addPatron(t, "ada@example.com", 50)
	token := env.login(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/api/print", token, PrintRequest{Pages: 3, ColorMode: billing.ColorBlackWhite, JobID: "job-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	printed := decode[PrintResponse](t, rec)
	require.NotNil(t, printed.Transaction)
	assert.Equal(t, billing.Money(-30), printed.Transaction.Amount)

	// Resubmitting the same job id does not charge twice.
	rec = env.do(t, http.MethodPost, "/api/print", token, PrintRequest{Pages: 3, ColorMode: billing.ColorBlackWhite, JobID: "job-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, printed.Transaction.ID, decode[PrintResponse](t, rec).Transaction.ID)

	tests := []struct {
		name string
		req  PrintRequest
		want int
	}{
		{"insufficient funds", PrintRequest{Pages: 4, ColorMode: billing.ColorFull}, http.StatusPaymentRequired},
		{"zero pages", PrintRequest{Pages: 0, ColorMode: billing.ColorBlackWhite}, http.StatusBadRequest},
		{"too many pages", PrintRequest{Pages: 10001, ColorMode: billing.ColorBlackWhite}, http.StatusBadRequest},
		{"overflowing pages", PrintRequest{Pages: 368934881474191033, ColorMode: billing.ColorFull}, http.StatusBadRequest},
		{"unknown mode", PrintRequest{Pages: 1, ColorMode: "sepia"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/print", token, tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec = env.do(t, http.MethodGet, "/api/balance", token, nil)
	assert.Equal(t, billing.Money(20), decode[BalanceResponse](t, rec).Balance)
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "kiosk-7-abc")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "kiosk-7-abc", rec.Header().Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://kiosk.local"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://kiosk.local")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://kiosk.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	defer limiter.Stop()

	now := epoch
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, limiter.Allow("a"))
}

func TestServerServesOnListener(t *testing.T) {
	env := newTestEnv(t, Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	env.server.SetListener(ln)

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.server.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/auth"
	"github.com/MarcoPoloResearchLab/referrals/internal/metrics"
	"github.com/MarcoPoloResearchLab/referrals/internal/pending"
	"github.com/MarcoPoloResearchLab/referrals/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/MarcoPoloResearchLab/referrals/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testSessionCookie = "app_session"
	testLinkBase      = "https://referrals.example.com/signup"
)

type testEnvironment struct {
	handler     http.Handler
	db          *gorm.DB
	coordinator *referrals.Coordinator
	metrics     *metrics.Metrics
	realtime    *RealtimeDispatcher
}

type testEnvironmentOptions struct {
	referrals     ReferralService
	accounts      func(*users.Service) AccountService
	validateLimit int
	heartbeat     time.Duration
}

func newTestEnvironment(t *testing.T, options testEnvironmentOptions) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&referrals.AttributionCode{}, &referrals.AttributionEdge{}, &users.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registry := metrics.New()
	store, err := referrals.NewStore(referrals.StoreConfig{
		Database:   db,
		IDProvider: referrals.NewUUIDProvider(),
		Recorder:   registry,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	coordinator, err := referrals.NewCoordinator(referrals.CoordinatorConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testSessionCookie,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	var accountService AccountService = accounts
	if options.accounts != nil {
		accountService = options.accounts(accounts)
	}
	var referralService ReferralService = coordinator
	if options.referrals != nil {
		referralService = options.referrals
	}
	limit := options.validateLimit
	if limit <= 0 {
		limit = 100
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Accounts:         accountService,
		Referrals:        referralService,
		Pending:          pending.NewCookieStore(pending.CookieStoreConfig{}),
		Limiter:          ratelimit.NewMemoryLimiter(limit, time.Minute, nil),
		Metrics:          registry,
		Realtime:         dispatcher,
		LinkBaseURL:      testLinkBase,
		Heartbeat:        options.heartbeat,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testEnvironment{
		handler:     handler,
		db:          db,
		coordinator: coordinator,
		metrics:     registry,
		realtime:    dispatcher,
	}
}

func mintSessionToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func sessionCookie(t *testing.T, userID string) *http.Cookie {
	return &http.Cookie{Name: testSessionCookie, Value: mintSessionToken(t, userID)}
}

type requestOptions struct {
	userID   string
	form     url.Values
	cookies  []*http.Cookie
	clientIP string
}

func (env *testEnvironment) do(t *testing.T, method, target string, options requestOptions) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if options.form != nil {
		body = strings.NewReader(options.form.Encode())
	}
	request := httptest.NewRequest(method, target, body)
	if options.form != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if options.userID != "" {
		request.AddCookie(sessionCookie(t, options.userID))
	}
	for _, cookie := range options.cookies {
		request.AddCookie(cookie)
	}
	if options.clientIP != "" {
		request.RemoteAddr = options.clientIP + ":4567"
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func findCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

type registerResponse struct {
	AccountID    string `json:"account_id"`
	ReferralCode *struct {
		Code          string `json:"code"`
		ReferralCount int64  `json:"referral_count"`
		ShareLink     string `json:"share_link"`
	} `json:"referral_code"`
	CodeError string `json:"referral_code_error"`
	Referral  struct {
		Status     string `json:"status"`
		Code       string `json:"code"`
		ReferrerID string `json:"referrer_id"`
		Error      string `json:"error"`
	} `json:"referral"`
}

type statsResponse struct {
	Code          string `json:"code"`
	ReferralCount int64  `json:"referral_count"`
	ShareLink     string `json:"share_link"`
	Referrals     []struct {
		ReferredID    string `json:"referred_id"`
		ReferredEmail string `json:"referred_email"`
		CodeUsed      string `json:"code_used"`
		CreatedAt     string `json:"created_at"`
	} `json:"referrals"`
}

// registerAccount registers userID and returns the issued referral code.
func (env *testEnvironment) registerAccount(t *testing.T, userID string) string {
	t.Helper()
	recorder := env.do(t, http.MethodPost, "/accounts/register", requestOptions{userID: userID})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("registration of %s failed: %d %s", userID, recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON[registerResponse](t, recorder)
	if payload.ReferralCode == nil || payload.ReferralCode.Code == "" {
		t.Fatalf("expected referral code for %s, got %s", userID, recorder.Body.String())
	}
	return payload.ReferralCode.Code
}
